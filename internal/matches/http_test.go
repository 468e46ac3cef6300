package matches

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xaitan80/X-Score/internal/auth"
)

func newRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, f.svc)
	return r
}

func doJSON(r http.Handler, method, path string, body any, key string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(auth.HeaderAdminKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type createdResp struct {
	Match struct {
		ID string `json:"matchId"`
	} `json:"match"`
	AdminKey string `json:"adminKey"`
}

func createViaHTTP(t *testing.T, r http.Handler) (string, string) {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/api/matches", map[string]any{"title": "Final", "teamA": "ESP", "teamB": "Rivals"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[createdResp](t, w)
	if res.Match.ID == "" || res.AdminKey == "" {
		t.Fatalf("missing id or key in %s", w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("adminKeyHash")) {
		t.Fatalf("hash leaked: %s", w.Body.String())
	}
	return res.Match.ID, res.AdminKey
}

func TestHTTP_CreateValidation(t *testing.T) {
	r := newRouter(t, newFixture(t))
	w := doJSON(r, http.MethodPost, "/api/matches", map[string]any{"title": "Final", "teamA": "ESP"}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
}

func TestHTTP_ScoreFlow(t *testing.T) {
	r := newRouter(t, newFixture(t))
	id, key := createViaHTTP(t, r)

	w := doJSON(r, http.MethodPost, "/api/matches/"+id+"/score", map[string]any{"team": "A", "delta": 1}, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/score", map[string]any{"team": "A"}, key)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without delta, got %d", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/score", map[string]any{"team": "A", "delta": 2}, key)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[map[string]any](t, w)
	if got["scoreA"].(float64) != 2 {
		t.Fatalf("scoreA = %v", got["scoreA"])
	}

	w = doJSON(r, http.MethodPost, "/api/matches/missing/score", map[string]any{"team": "A", "delta": 1}, key)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = doJSON(r, http.MethodGet, "/api/matches/missing", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHTTP_GoalsAndFinish(t *testing.T) {
	f := newFixture(t)
	r := newRouter(t, f)
	id, key := createViaHTTP(t, r)

	w := doJSON(r, http.MethodPost, "/api/matches/"+id+"/timer/start", nil, key)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	f.clock.Advance(65 * time.Second)

	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/goals", map[string]any{"team": "B", "scorer": "Ana", "assist": "Eva"}, key)
	if w.Code != http.StatusOK {
		t.Fatalf("goal: %d %s", w.Code, w.Body.String())
	}
	var m struct {
		ScoreB int `json:"scoreB"`
		Goals  []struct {
			Time   string `json:"time"`
			Assist string `json:"assist"`
		} `json:"goals"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &m)
	if m.ScoreB != 1 || len(m.Goals) != 1 || m.Goals[0].Time != "1:05" || m.Goals[0].Assist != "Eva" {
		t.Fatalf("unexpected goal response %s", w.Body.String())
	}

	w = doJSON(r, http.MethodDelete, "/api/matches/"+id+"/goals/x", nil, key)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad index, got %d", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/timer/pause", nil, key)
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte("warning")) {
		t.Fatalf("pause: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/finish", map[string]any{"confirm": false}, key)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/finish", map[string]any{"confirm": true}, key)
	if w.Code != http.StatusOK {
		t.Fatalf("finish: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(r, http.MethodDelete, "/api/matches/"+id+"/goals/0", nil, key)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on finished match, got %d", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/api/matches/"+id+"/restart", nil, key)
	if w.Code != http.StatusOK {
		t.Fatalf("restart: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(r, http.MethodDelete, "/api/matches/"+id+"/goals/0", nil, key)
	if w.Code != http.StatusOK {
		t.Fatalf("remove after restart: %d %s", w.Code, w.Body.String())
	}
}

func TestHTTP_GrantAsBearer(t *testing.T) {
	r := newRouter(t, newFixture(t))
	id, key := createViaHTTP(t, r)

	w := doJSON(r, http.MethodPost, "/api/matches/"+id+"/grants", nil, key)
	if w.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", w.Code, w.Body.String())
	}
	g := decode[Grant](t, w)

	body, _ := json.Marshal(map[string]any{"team": "A", "stat": "shoot", "delta": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/matches/"+id+"/stats", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.Token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected grant accepted, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHTTP_Import(t *testing.T) {
	r := newRouter(t, newFixture(t))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "fixtures.csv")
	_, _ = fw.Write([]byte("title,teamA,teamB\nFinal,ESP,Rivals\n,Solo,\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/matches/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import: %d %s", w.Code, w.Body.String())
	}
	res := decode[ImportResult](t, w)
	if len(res.Created) != 1 || res.Failed != 1 || res.Created[0].AdminKey == "" {
		t.Fatalf("unexpected import result %+v", res)
	}
}
