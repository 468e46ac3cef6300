package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/models"
)

func credentialFor(t *testing.T, headers map[string]string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.Request = req
	return Credential(c)
}

func TestCredential_Sources(t *testing.T) {
	if got := credentialFor(t, map[string]string{HeaderAdminKey: " abc "}); got != "abc" {
		t.Fatalf("expected abc from header, got %q", got)
	}
	if got := credentialFor(t, map[string]string{"Authorization": "Bearer tok"}); got != "tok" {
		t.Fatalf("expected tok from bearer, got %q", got)
	}
	if got := credentialFor(t, map[string]string{"Authorization": "bearer   tok2"}); got != "tok2" {
		t.Fatalf("expected case-insensitive bearer, got %q", got)
	}
	both := map[string]string{HeaderAdminKey: "key", "Authorization": "Bearer tok"}
	if got := credentialFor(t, both); got != "key" {
		t.Fatalf("header must win, got %q", got)
	}
	if got := credentialFor(t, map[string]string{"Authorization": "Basic xyz"}); got != "" {
		t.Fatalf("expected empty for basic auth, got %q", got)
	}
}

func TestNewToken_Unique(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewToken()
	if len(a) != 64 || a == b {
		t.Fatalf("bad tokens %q %q", a, b)
	}
}

func TestAuthorize_AdminKey(t *testing.T) {
	key, _ := NewToken()
	hash, err := HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	m := models.Match{ID: "m1", AdminKeyHash: hash}
	az := NewAuthorizer(NewIssuer("secret", time.Hour, nil))

	if err := az.Authorize(m, key); err != nil {
		t.Fatalf("expected key accepted, got %v", err)
	}
	if err := az.Authorize(m, "wrong"); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := az.Authorize(m, ""); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden for empty credential, got %v", err)
	}
}

func TestAuthorize_Grant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := NewIssuer("secret", time.Hour, clock)
	az := NewAuthorizer(iss)

	tok, exp, err := iss.Issue("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !exp.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	if err := az.Authorize(models.Match{ID: "m1"}, tok); err != nil {
		t.Fatalf("expected grant accepted, got %v", err)
	}
	if err := az.Authorize(models.Match{ID: "m2"}, tok); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("grant must be scoped to its match, got %v", err)
	}

	other := NewIssuer("other", time.Hour, clock)
	if _, err := other.Verify(tok); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	clock.Advance(2 * time.Hour)
	if err := az.Authorize(models.Match{ID: "m1"}, tok); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected expired grant rejected, got %v", err)
	}
}

func TestAuthorize_RemembersVerifiedKey(t *testing.T) {
	az := NewAuthorizer(nil, WithKeyCost(bcrypt.MinCost))
	key, _ := NewToken()
	hash, err := az.HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if cost, _ := bcrypt.Cost([]byte(hash)); cost != bcrypt.MinCost {
		t.Fatalf("hash cost = %d", cost)
	}
	m := models.Match{ID: "m1", AdminKeyHash: hash}

	if err := az.Authorize(m, key); err != nil {
		t.Fatal(err)
	}
	if _, ok := az.verified.Load(verifiedID(hash, key)); !ok {
		t.Fatalf("verified key not remembered")
	}
	if err := az.Authorize(m, key); err != nil {
		t.Fatalf("remembered key rejected: %v", err)
	}
	if err := az.Authorize(m, key+"x"); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden for a different key, got %v", err)
	}

	other, _ := az.HashKey(key + "x")
	if err := az.Authorize(models.Match{ID: "m2", AdminKeyHash: other}, key); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("remembered key accepted for another match, got %v", err)
	}
}
