package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
	"github.com/xuri/excelize/v2"

	"github.com/xaitan80/X-Score/internal/apperr"
	"github.com/xaitan80/X-Score/internal/auth"
	"github.com/xaitan80/X-Score/internal/feed"
	"github.com/xaitan80/X-Score/internal/localkv"
	"github.com/xaitan80/X-Score/internal/matches"
	"github.com/xaitan80/X-Score/internal/models"
	"github.com/xaitan80/X-Score/internal/store"
	"github.com/xaitan80/X-Score/internal/timer"
)

type fixture struct {
	svc     *Service
	matches *matches.Service
	clock   *clockwork.FakeClock
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	bus := feed.NewBus()
	st, err := store.OpenGorm(filepath.Join(dir, "store.db"), bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	kv, err := localkv.Open(filepath.Join(dir, "local.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	clock := clockwork.NewFakeClock()
	timers := timer.NewManager(timer.DefaultConfig(), clock, kv, st, bus)
	t.Cleanup(timers.Close)
	authz := auth.NewAuthorizer(auth.NewIssuer("test-secret", time.Hour, clock), auth.WithKeyCost(bcrypt.MinCost))
	ms := matches.NewService(st, timers, authz, clock)
	svc := NewService(st, ms, clock)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, svc)
	matches.RegisterRoutes(r, ms)
	return &fixture{svc: svc, matches: ms, clock: clock, router: r}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreate_DefaultNameAndConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, " S1 ", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "S1" || s.Name != models.DefaultSessionName(f.clock.Now()) || len(s.MatchIDs) != 0 {
		t.Fatalf("unexpected session %+v", s)
	}
	if _, err := f.svc.Create(ctx, "S1", "again"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "", "x"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation, got %v", err)
	}
}

func TestJoin(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/sessions/cup/join", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 joining missing session, got %d", w.Code)
	}
	w = f.do(http.MethodPost, "/api/sessions/cup/join", map[string]any{"create": true})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating on join, got %d %s", w.Code, w.Body.String())
	}
	w = f.do(http.MethodPost, "/api/sessions/cup/join", map[string]any{"create": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing session, got %d", w.Code)
	}
}

func TestEndToEnd_SessionMatchGoal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(http.MethodPost, "/api/sessions", map[string]any{"sessionId": "S1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	w = f.do(http.MethodPost, "/api/sessions/S1/matches", map[string]any{"title": "Final", "teamA": "ESP", "teamB": "Rivals"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add match: %d %s", w.Code, w.Body.String())
	}
	var created matches.Created
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Match.SessionID != "S1" {
		t.Fatalf("match not linked to session: %+v", created.Match)
	}

	id, key := created.Match.ID, created.AdminKey
	if _, err := f.matches.StartTimer(ctx, id, key); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(42 * time.Second)
	if _, err := f.matches.RecordGoal(ctx, id, key, "A", "Juan", ""); err != nil {
		t.Fatal(err)
	}

	w = f.do(http.MethodGet, "/api/sessions/S1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get session: %d", w.Code)
	}
	var d Detail
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Session.MatchIDs) != 1 || len(d.Matches) != 1 {
		t.Fatalf("unexpected detail %+v", d)
	}
	m := d.Matches[0]
	want := models.Goal{Time: "0:42", Team: models.TeamA, Scorer: "Juan"}
	if len(m.Goals) != 1 || m.Goals[0] != want || m.ScoreA != 1 {
		t.Fatalf("goals=%+v scoreA=%d", m.Goals, m.ScoreA)
	}
	if !strings.Contains(w.Body.String(), `"time":"0:42"`) || strings.Contains(w.Body.String(), `"assist"`) {
		t.Fatalf("unexpected goal encoding %s", w.Body.String())
	}
}

func TestAddMatch_UnknownSession(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/sessions/nope/matches", map[string]any{"title": "T", "teamA": "A", "teamB": "B"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestImportAndScoresheet(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Create(context.Background(), "S1", "Cup"); err != nil {
		t.Fatal(err)
	}

	book := excelize.NewFile()
	sh := book.GetSheetName(0)
	_ = book.SetSheetRow(sh, "A1", &[]string{"Titel", "Hemmalag", "Bortalag"})
	_ = book.SetSheetRow(sh, "A2", &[]string{"Group 1", "ESP", "Rivals"})
	_ = book.SetSheetRow(sh, "A3", &[]string{"Group 2", "", "Rivals"})
	xb, err := book.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "fixtures.xlsx")
	_, _ = fw.Write(xb.Bytes())
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/S1/matches/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import: %d %s", w.Code, w.Body.String())
	}
	var res matches.ImportResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Created) != 1 || res.Failed != 1 || !strings.HasPrefix(res.Errors[0], "row 3:") {
		t.Fatalf("unexpected import %+v", res)
	}

	w = f.do(http.MethodGet, "/api/sessions/S1/scoresheet.csv", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Group 1,ESP,Rivals,0,0") {
		t.Fatalf("csv export: %d %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "scoresheet_S1_") {
		t.Fatalf("content disposition = %q", cd)
	}

	w = f.do(http.MethodGet, "/api/sessions/S1/scoresheet.xlsx", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("xlsx export: %d", w.Code)
	}
	out, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if out.GetSheetName(0) != "Cup" {
		t.Fatalf("sheet = %q", out.GetSheetName(0))
	}
}
