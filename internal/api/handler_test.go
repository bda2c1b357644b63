package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/leadloop/activityd/internal/service"
	"github.com/leadloop/activityd/internal/storage"
	"github.com/leadloop/activityd/pkg/feed"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	broadcaster *service.Broadcaster
	activity    *service.ActivityService
	verifier    *TokenVerifier
	handler     *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.OpenActivityStore(filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		broadcaster: service.NewBroadcaster(100),
		verifier:    NewTokenVerifier([]byte(testSecret)),
	}
	env.activity = service.NewActivityService(store, env.broadcaster, zerolog.Nop())
	env.handler = NewHandler(env.activity, env.broadcaster, env.verifier, zerolog.Nop())
	return env
}

func (env *testEnv) router() *chi.Mux {
	r := chi.NewRouter()
	env.handler.Mount(r)
	return r
}

func (env *testEnv) token(t *testing.T) string {
	t.Helper()
	token, err := env.verifier.Sign("user-1", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// doJSON performs an authenticated request against the router and decodes
// the response body into out when non-nil.
func (env *testEnv) doJSON(t *testing.T, r http.Handler, method, target, token string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.doJSON(t, env.router(), http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestActivityRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	r := env.router()

	targets := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/activity"},
		{http.MethodPost, "/api/v1/activity"},
		{http.MethodPost, "/api/v1/activity/some-id/read"},
	}
	for _, target := range targets {
		rec := env.doJSON(t, r, target.method, target.path, "", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", target.method, target.path, rec.Code)
		}
	}

	rec := env.doJSON(t, r, http.MethodGet, "/api/v1/activity", "not-a-jwt", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestTokenVerifier_RejectsExpired(t *testing.T) {
	verifier := NewTokenVerifier([]byte(testSecret))
	token, err := verifier.Sign("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	verifier := NewTokenVerifier([]byte(testSecret))
	token, err := verifier.Sign("user-42", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	subject, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("subject = %q, want user-42", subject)
	}
}

func TestCreateListAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	r := env.router()
	token := env.token(t)

	var created feed.Event
	rec := env.doJSON(t, r, http.MethodPost, "/api/v1/activity", token, feed.Event{
		Type:        feed.EventTypeOrder,
		Description: "new quote received",
		Metadata:    map[string]any{"quoteId": "q-7"},
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, want 201: %s", rec.Code, rec.Body)
	}
	if created.ID == "" {
		t.Fatal("create: missing server-assigned id")
	}

	var page feed.ActivityPage
	rec = env.doJSON(t, r, http.MethodGet, "/api/v1/activity", token, nil, &page)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	if len(page.Activities) != 1 || page.Activities[0].ID != created.ID {
		t.Fatalf("list = %+v, want the created event", page.Activities)
	}

	var updated feed.Event
	rec = env.doJSON(t, r, http.MethodPost, "/api/v1/activity/"+created.ID+"/read", token, nil, &updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: status = %d, want 200", rec.Code)
	}
	if !updated.Read {
		t.Fatal("mark read: read flag not set")
	}

	rec = env.doJSON(t, r, http.MethodPost, "/api/v1/activity/does-not-exist/read", token, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("mark read missing: status = %d, want 404", rec.Code)
	}
}

func TestCreateActivityValidation(t *testing.T) {
	env := newTestEnv(t)
	r := env.router()
	token := env.token(t)

	rec := env.doJSON(t, r, http.MethodPost, "/api/v1/activity", token, feed.Event{Type: feed.EventTypeOrder}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty description: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", rec2.Code)
	}
}

func TestListActivityFiltersAndCursor(t *testing.T) {
	env := newTestEnv(t)
	r := env.router()
	token := env.token(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fixtures := []feed.Event{
		{Type: feed.EventTypeLogin, Description: "signed in", Timestamp: base},
		{Type: feed.EventTypeOrder, Description: "order placed", Timestamp: base.Add(time.Minute)},
		{Type: feed.EventTypeOrder, Description: "order shipped", Timestamp: base.Add(2 * time.Minute)},
	}
	for _, ev := range fixtures {
		rec := env.doJSON(t, r, http.MethodPost, "/api/v1/activity", token, ev, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed: status = %d", rec.Code)
		}
	}

	var page feed.ActivityPage
	rec := env.doJSON(t, r, http.MethodGet, "/api/v1/activity?type=order", token, nil, &page)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list: status = %d", rec.Code)
	}
	if len(page.Activities) != 2 {
		t.Fatalf("filtered list length = %d, want 2", len(page.Activities))
	}

	from := base.Add(90 * time.Second).Format(time.RFC3339)
	rec = env.doJSON(t, r, http.MethodGet, "/api/v1/activity?from="+from, token, nil, &page)
	if rec.Code != http.StatusOK {
		t.Fatalf("date filtered list: status = %d", rec.Code)
	}
	if len(page.Activities) != 1 || page.Activities[0].Description != "order shipped" {
		t.Fatalf("date filtered list = %+v", page.Activities)
	}

	rec = env.doJSON(t, r, http.MethodGet, "/api/v1/activity?limit=2", token, nil, &page)
	if rec.Code != http.StatusOK {
		t.Fatalf("paged list: status = %d", rec.Code)
	}
	if len(page.Activities) != 2 || page.NextCursor == nil {
		t.Fatalf("paged list = %+v, cursor = %v", page.Activities, page.NextCursor)
	}

	next := *page.NextCursor
	// nextCursor is omitted on the last page; reset so the decode can't
	// leave the previous page's cursor behind.
	page = feed.ActivityPage{}
	rec = env.doJSON(t, r, http.MethodGet, "/api/v1/activity?limit=2&cursor="+next, token, nil, &page)
	if rec.Code != http.StatusOK {
		t.Fatalf("paged list 2: status = %d", rec.Code)
	}
	if len(page.Activities) != 1 || page.NextCursor != nil {
		t.Fatalf("paged list 2 = %+v, cursor = %v", page.Activities, page.NextCursor)
	}

	rec = env.doJSON(t, r, http.MethodGet, "/api/v1/activity?cursor=-1", token, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative cursor: status = %d, want 400", rec.Code)
	}
}
