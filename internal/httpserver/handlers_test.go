package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pastebin-lite/internal/id"
	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/memstore"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Store:       memstore.New(),
		IDGenerator: id.New(12),
		MaxBytes:    1024,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createPaste(t *testing.T, srv *Server, body string, headers map[string]string) createResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/pastes", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d body %s", rec.Code, rec.Body.String())
	}
	var resp createResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return resp
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) viewResponse {
	t.Helper()
	var v viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v (%s)", err, rec.Body.String())
	}
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return e.Error
}

func TestCreateAndConsume(t *testing.T) {
	srv := newTestServer(t)

	created := createPaste(t, srv, `{"content":"hello"}`, nil)
	if len(created.ID) != 12 {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.URL != "http://example.com/p/"+created.ID {
		t.Fatalf("unexpected url %q", created.URL)
	}

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("consume status %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"remaining_views":null`) || !strings.Contains(rec.Body.String(), `"expires_at":null`) {
		t.Fatalf("expected explicit nulls, got %s", rec.Body.String())
	}
	v := decodeView(t, rec)
	if v.Content != "hello" {
		t.Fatalf("content %q", v.Content)
	}

	// Unlimited pastes stay readable.
	rec = do(t, srv, http.MethodGet, "/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second read status %d", rec.Code)
	}
}

func TestMaxViewsCountDown(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"x","max_views":2}`, nil)

	for _, want := range []int{1, 0} {
		rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("read status %d", rec.Code)
		}
		v := decodeView(t, rec)
		if v.RemainingViews == nil || *v.RemainingViews != want {
			t.Fatalf("remaining views %v, want %d", v.RemainingViews, want)
		}
	}

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("exhausted read status %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Paste not found" {
		t.Fatalf("error message %q", msg)
	}
}

func TestExpiryBoundaryWithTestClock(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.TestMode = true })
	const start = int64(1_700_000_000_000)
	at := func(ms int64) map[string]string {
		return map[string]string{TestNowHeader: strconv.FormatInt(ms, 10)}
	}

	created := createPaste(t, srv, `{"content":"ttl","ttl_seconds":60}`, at(start))

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", at(start+59_999))
	if rec.Code != http.StatusOK {
		t.Fatalf("read before expiry status %d", rec.Code)
	}
	v := decodeView(t, rec)
	if v.ExpiresAt == nil || *v.ExpiresAt != "2023-11-14T22:14:20Z" {
		t.Fatalf("expires_at %v", v.ExpiresAt)
	}

	rec = do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", at(start+60_000))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("read at expiry status %d", rec.Code)
	}
}

func TestTestClockIgnoredOutsideTestMode(t *testing.T) {
	srv := newTestServer(t)
	past := map[string]string{TestNowHeader: "1000"}

	created := createPaste(t, srv, `{"content":"ttl","ttl_seconds":60}`, past)
	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", past)
	if rec.Code != http.StatusOK {
		t.Fatalf("header should be ignored, got status %d", rec.Code)
	}
	v := decodeView(t, rec)
	if v.ExpiresAt == nil || strings.HasPrefix(*v.ExpiresAt, "1970") {
		t.Fatalf("expiry derived from header: %v", v.ExpiresAt)
	}
}

func TestInvalidTestClockHeaderFallsBack(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.TestMode = true })
	created := createPaste(t, srv, `{"content":"ttl","ttl_seconds":60}`, map[string]string{TestNowHeader: "soon"})
	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", map[string]string{TestNowHeader: "-5"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t)
	const (
		contentMsg = "Content is required and must be a non-empty string"
		ttlMsg     = "ttl_seconds must be an integer >= 1 if provided"
		viewsMsg   = "max_views must be an integer >= 1 if provided"
	)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing content", `{}`, contentMsg},
		{"null content", `{"content":null}`, contentMsg},
		{"blank content", `{"content":"   \n"}`, contentMsg},
		{"numeric content", `{"content":5}`, contentMsg},
		{"zero ttl", `{"content":"a","ttl_seconds":0}`, ttlMsg},
		{"negative ttl", `{"content":"a","ttl_seconds":-3}`, ttlMsg},
		{"fractional ttl", `{"content":"a","ttl_seconds":1.5}`, ttlMsg},
		{"string ttl", `{"content":"a","ttl_seconds":"10"}`, ttlMsg},
		{"zero views", `{"content":"a","max_views":0}`, viewsMsg},
		{"zero views as float", `{"content":"a","max_views":0.0}`, viewsMsg},
		{"overflowing views", `{"content":"a","max_views":1e30}`, viewsMsg},
		{"bool views", `{"content":"a","max_views":true}`, viewsMsg},
		{"broken json", `{"content":`, "Invalid JSON body"},
		{"array body", `["hello"]`, "Invalid JSON body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/pastes", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
			}
			if msg := errorMessage(t, rec); msg != tc.want {
				t.Fatalf("message %q, want %q", msg, tc.want)
			}
		})
	}
}

func TestCreateAcceptsNullLimits(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"a","ttl_seconds":null,"max_views":null,"extra":true}`, nil)
	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateAcceptsIntegralFloats(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"a","ttl_seconds":1e1,"max_views":2.0}`, nil)

	v := decodeView(t, do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil))
	if v.RemainingViews == nil || *v.RemainingViews != 1 {
		t.Fatalf("expected 1 remaining view, got %+v", v.RemainingViews)
	}
	if v.ExpiresAt == nil {
		t.Fatalf("expected expires_at from ttl_seconds 1e1")
	}
}

func TestCreateTooLarge(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.MaxBytes = 16 })

	rec := do(t, srv, http.MethodPost, "/pastes", `{"content":"`+strings.Repeat("a", 17)+`"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversize content status %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Content exceeds 16 byte limit" {
		t.Fatalf("message %q", msg)
	}

	rec = do(t, srv, http.MethodPost, "/pastes", `{"content":"`+strings.Repeat("a", 8192)+`"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize body status %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		method, path, allow string
	}{
		{http.MethodGet, "/pastes", http.MethodPost},
		{http.MethodPut, "/api/pastes", http.MethodPost},
		{http.MethodPost, "/pastes/abc", http.MethodGet},
		{http.MethodDelete, "/api/pastes/abc", http.MethodGet},
	}
	for _, tc := range cases {
		rec := do(t, srv, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: status %d", tc.method, tc.path, rec.Code)
		}
		if msg := errorMessage(t, rec); msg != "Method not allowed" {
			t.Fatalf("%s %s: message %q", tc.method, tc.path, msg)
		}
		if allow := rec.Header().Get("Allow"); !strings.Contains(allow, tc.allow) {
			t.Fatalf("%s %s: allow header %q", tc.method, tc.path, allow)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Not found" {
		t.Fatalf("message %q", msg)
	}
}

func TestMissingPaste(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/api/pastes/doesnotexist", "/p/doesnotexist"} {
		rec := do(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		if msg := errorMessage(t, rec); msg != "Paste not found" {
			t.Fatalf("%s: message %q", path, msg)
		}
	}
}

func TestPlainViewConsumes(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"line one\nline two","max_views":1}`, nil)

	rec := do(t, srv, http.MethodGet, "/p/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plain status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
	if rec.Body.String() != "line one\nline two" {
		t.Fatalf("body %q", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("view should be used up, status %d", rec.Code)
	}
}

func TestQRDoesNotConsume(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"x","max_views":1}`, nil)

	rec := do(t, srv, http.MethodGet, "/p/"+created.ID+"/qr", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("qr status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Fatalf("not a png")
	}

	rec = do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("paste consumed by qr, status %d", rec.Code)
	}
}

func TestPasteURL(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.BaseURL = "https://paste.example.org/" })
	created := createPaste(t, srv, `{"content":"x"}`, nil)
	if created.URL != "https://paste.example.org/p/"+created.ID {
		t.Fatalf("url %q", created.URL)
	}

	proxied := newTestServer(t, func(c *Config) { c.TrustProxy = true })
	created = createPaste(t, proxied, `{"content":"x"}`, map[string]string{"X-Forwarded-Proto": "https"})
	if created.URL != "https://example.com/p/"+created.ID {
		t.Fatalf("proxied url %q", created.URL)
	}

	direct := newTestServer(t)
	created = createPaste(t, direct, `{"content":"x"}`, map[string]string{"X-Forwarded-Proto": "https"})
	if created.URL != "http://example.com/p/"+created.ID {
		t.Fatalf("untrusted proxy header honoured: %q", created.URL)
	}
}

func TestConcurrentReadsHonourMaxViews(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, `{"content":"race","max_views":5}`, nil)

	const readers = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		missing int
	)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
			mu.Lock()
			defer mu.Unlock()
			switch rec.Code {
			case http.StatusOK:
				ok++
			case http.StatusNotFound:
				missing++
			}
		}()
	}
	wg.Wait()

	if ok != 5 || missing != readers-5 {
		t.Fatalf("expected 5 reads and %d 404s, got %d and %d", readers-5, ok, missing)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/api/healthz"} {
		rec := do(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
	}

	broken := newTestServer(t, func(c *Config) { c.Store = &faultyStore{Store: memstore.New(), pingErr: errors.New("down")} })
	rec := do(t, broken, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable || strings.TrimSpace(rec.Body.String()) != `{"ok":false}` {
		t.Fatalf("unhealthy: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStoreFailureIsOpaque(t *testing.T) {
	store := &faultyStore{Store: memstore.New(), saveErr: errors.New("disk on fire")}
	srv := newTestServer(t, func(c *Config) { c.Store = store })

	rec := do(t, srv, http.MethodPost, "/pastes", `{"content":"x"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Internal server error" {
		t.Fatalf("message %q", msg)
	}
}

func TestIncrementFailureIsOpaque(t *testing.T) {
	inner := memstore.New()
	srv := newTestServer(t, func(c *Config) {
		c.Store = &faultyStore{Store: inner, incErr: errors.New("write timeout")}
	})
	created := createPaste(t, srv, `{"content":"x","max_views":1}`, nil)

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Internal server error" {
		t.Fatalf("message %q", msg)
	}
}

func TestJanitorStaysOffInTestMode(t *testing.T) {
	store := memstore.New()
	srv := newTestServer(t, func(c *Config) {
		c.Store = store
		c.TestMode = true
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const t0 = int64(1_700_000_000_000)
	at := func(ms int64) map[string]string {
		return map[string]string{TestNowHeader: strconv.FormatInt(ms, 10)}
	}
	created := createPaste(t, srv, `{"content":"simulated","ttl_seconds":10}`, at(t0))

	if srv.StartJanitor(ctx, time.Millisecond) {
		t.Fatalf("janitor started in test mode")
	}
	time.Sleep(20 * time.Millisecond)

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", at(t0+5_000))
	if rec.Code != http.StatusOK {
		t.Fatalf("read at T0+5s: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", at(t0+10_000))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("read at T0+10s: status %d", rec.Code)
	}
}

func TestJanitorSweepsOutsideTestMode(t *testing.T) {
	store := memstore.New()
	srv := newTestServer(t, func(c *Config) { c.Store = store })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	old := &storage.Paste{ID: "old", Content: "x", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	if err := store.Save(ctx, old); err != nil {
		t.Fatalf("save: %v", err)
	}

	if !srv.StartJanitor(ctx, time.Millisecond) {
		t.Fatalf("janitor did not start")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Get(ctx, old.ID); errors.Is(err, storage.ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired paste still stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, func(c *Config) {
		c.Metrics = metrics.New(reg)
		c.Gatherer = reg
	})
	created := createPaste(t, srv, `{"content":"x"}`, nil)
	do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"pastebin_pastes_created_total 1",
		`pastebin_paste_reads_total{result="ok"} 1`,
		`route="/api/pastes/{id}"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestSweep(t *testing.T) {
	store := memstore.New()
	now := time.Now().UTC().Truncate(time.Second)
	pastes := []*storage.Paste{
		{ID: "old", Content: "x", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)},
		{ID: "edge", Content: "x", CreatedAt: now.Add(-time.Hour), ExpiresAt: now},
		{ID: "live", Content: "x", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "forever", Content: "x", CreatedAt: now},
	}
	for _, p := range pastes {
		if err := store.Save(context.Background(), p); err != nil {
			t.Fatalf("save %s: %v", p.ID, err)
		}
	}

	removed, err := Sweep(context.Background(), store, now, nil, nil)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	for _, id := range []string{"live", "forever"} {
		if _, err := store.Get(context.Background(), id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}
}

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	storage.Store
	saveErr error
	pingErr error
	incErr  error
}

func (f *faultyStore) Save(ctx context.Context, p *storage.Paste) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, p)
}

func (f *faultyStore) IncrementViews(ctx context.Context, id string) (int, error) {
	if f.incErr != nil {
		return 0, f.incErr
	}
	return f.Store.IncrementViews(ctx, id)
}

func (f *faultyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Store.Ping(ctx)
}
