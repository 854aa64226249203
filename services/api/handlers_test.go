package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metald/services/ipxe"
	"metald/services/lifecycle"
)

func TestFormatHistory(t *testing.T) {
	at := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	history := []lifecycle.Transition{
		{To: lifecycle.StateDiscovered, Cause: "explored endpoint", Accepted: true, At: at},
		{From: lifecycle.StateDiscovered, To: lifecycle.StatePaired, Cause: "matched SN100", Accepted: true, At: at.Add(time.Minute)},
		{From: lifecycle.StatePaired, To: lifecycle.StateReady, Cause: "skipped attestation", Accepted: false, At: at.Add(2 * time.Minute)},
	}

	out := formatHistory(history)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "-") || !strings.Contains(lines[0], "discovered") {
		t.Errorf("first line %q should show creation into discovered", lines[0])
	}
	if !strings.Contains(lines[2], "REJECTED") {
		t.Errorf("rejected transition not marked: %q", lines[2])
	}
	if !strings.Contains(lines[1], "matched SN100") {
		t.Errorf("cause missing from line %q", lines[1])
	}
}

func TestWantsText(t *testing.T) {
	cases := []struct {
		name   string
		target string
		accept string
		want   bool
	}{
		{"default json", "/v1/entities/x/history", "", false},
		{"query format", "/v1/entities/x/history?format=text", "", true},
		{"accept header", "/v1/entities/x/history", "text/plain", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.accept != "" {
				r.Header.Set("Accept", tc.accept)
			}
			if got := wantsText(r); got != tc.want {
				t.Errorf("wantsText = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandleListTemplates(t *testing.T) {
	a := &API{catalog: ipxe.DefaultCatalog()}

	w := httptest.NewRecorder()
	a.handleListTemplates(w, httptest.NewRequest(http.MethodGet, "/v1/templates", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Templates []templateSummary `json:"templates"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Templates) != 2 {
		t.Fatalf("templates = %d, want 2 built-ins", len(body.Templates))
	}
	if body.Templates[0].Name != "qcow-image" {
		t.Errorf("first template = %q, want qcow-image (sorted)", body.Templates[0].Name)
	}
	for _, tpl := range body.Templates {
		if len(tpl.ReservedParams) == 0 {
			t.Errorf("template %s lists no reserved params", tpl.Name)
		}
	}
}

func chiRouteContext(r *http.Request, rctx *chi.Context) context.Context {
	return context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
}

type fakeScripts struct {
	scripts map[uuid.UUID]string
}

func (f *fakeScripts) Script(id uuid.UUID) (string, bool) {
	s, ok := f.scripts[id]
	return s, ok
}

func TestHandleBootScript(t *testing.T) {
	id := uuid.New()
	a := &API{scripts: &fakeScripts{scripts: map[uuid.UUID]string{
		id: "#!ipxe\nboot\n",
	}}}

	get := func(target, param string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", param)
		r = r.WithContext(chiRouteContext(r, rctx))
		w := httptest.NewRecorder()
		a.handleBootScript(w, r)
		return w
	}

	t.Run("known entity", func(t *testing.T) {
		w := get("/v1/entities/"+id.String()+"/bootscript", id.String())
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if !strings.HasPrefix(w.Body.String(), "#!ipxe") {
			t.Errorf("body = %q, want ipxe script", w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("content type = %q, want text/plain", ct)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		other := uuid.New()
		w := get("/v1/entities/"+other.String()+"/bootscript", other.String())
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		w := get("/v1/entities/nope/bootscript", "nope")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

type fakePresigner struct {
	lastKey string
	lastTTL time.Duration
}

func (f *fakePresigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return "http://cache.test/signed/" + key, nil
}

func TestHandlePresignArtifact(t *testing.T) {
	presigner := &fakePresigner{}
	a := &API{presigner: presigner}

	get := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		a.handlePresignArtifact(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	t.Run("default ttl", func(t *testing.T) {
		w := get("/v1/artifacts/presign?key=artifacts/abc123")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["url"] != "http://cache.test/signed/artifacts/abc123" {
			t.Errorf("url = %q", body["url"])
		}
		if presigner.lastTTL != defaultPresignTTL {
			t.Errorf("ttl = %v, want %v", presigner.lastTTL, defaultPresignTTL)
		}
	})

	t.Run("ttl clamped to maximum", func(t *testing.T) {
		w := get("/v1/artifacts/presign?key=k&ttl=86400")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if presigner.lastTTL != maxPresignTTL {
			t.Errorf("ttl = %v, want %v", presigner.lastTTL, maxPresignTTL)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if w := get("/v1/artifacts/presign"); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("invalid ttl", func(t *testing.T) {
		if w := get("/v1/artifacts/presign?key=k&ttl=soon"); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("store not configured", func(t *testing.T) {
		bare := &API{}
		w := httptest.NewRecorder()
		bare.handlePresignArtifact(w, httptest.NewRequest(http.MethodGet, "/v1/artifacts/presign?key=k", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}
