package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestKindOf_WrappedErrors(t *testing.T) {
	base := NotFound("match_not_found", "match not found")
	wrapped := fmt.Errorf("load: %w", base)
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("expected not_found, got %v", KindOf(wrapped))
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatalf("Is should see through wrapping")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("plain errors are internal")
	}
	if Is(nil, KindInternal) {
		t.Fatalf("nil is never any kind")
	}
}

func TestWriteFailure_Unwraps(t *testing.T) {
	cause := errors.New("network down")
	err := WriteFailure("sync_failed", "could not save", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
}

func TestRespond_StatusAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{Validation("missing_title", "title is required"), http.StatusBadRequest},
		{NotFound("match_not_found", "match not found"), http.StatusNotFound},
		{Forbidden("not_admin", "admin key required"), http.StatusForbidden},
		{Conflict("match_finished", "match is finished"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		Respond(c, tc.err)
		if w.Code != tc.code {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.code, w.Code)
		}
		var out map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if out["error"] == "" || out["code"] == "" {
			t.Fatalf("missing fields in %v", out)
		}
		if tc.code == http.StatusInternalServerError && out["error"] == "boom" {
			t.Fatalf("internal cause leaked")
		}
	}
}
