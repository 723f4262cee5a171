package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aakaash/commander-relay/internal/backend"
	"github.com/aakaash/commander-relay/internal/codec"
	"github.com/aakaash/commander-relay/internal/domain"
	"github.com/aakaash/commander-relay/internal/store"
)

// newTestServer mounts a handler on a chi router the way main does.
func newTestServer(t *testing.T, st store.Store, gen Generator, limit int) *httptest.Server {
	t.Helper()
	limiter := NewRateLimiter(limit, time.Minute)
	t.Cleanup(limiter.Stop)

	r := chi.NewRouter()
	NewHandler(st, gen, "llama3.2", limiter).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// fakeBackendServer streams the given chunks from /api/generate with explicit
// flushes, standing in for the inference daemon.
func fakeBackendServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			if _, err := io.WriteString(w, c); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postStream(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /stream failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHandleStreamRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	srv := newTestServer(t, st, &fakeGenerator{}, 100)

	resp := postStream(t, srv.URL, `{"message": "", "mode": "friendly"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "message required" {
		t.Errorf("error = %q, want %q", body["error"], "message required")
	}

	// A rejected request leaves no trace in the transcript.
	if msgs := st.snapshot(t); len(msgs) != 0 {
		t.Errorf("transcript has %d messages, want 0", len(msgs))
	}
}

func TestHandleStreamRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &memStore{}, &fakeGenerator{}, 100)
	resp := postStream(t, srv.URL, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleStreamEndToEnd(t *testing.T) {
	t.Parallel()

	backendSrv := fakeBackendServer(t, []string{"Sys", "tems", " nominal."})
	st := &memStore{}
	srv := newTestServer(t, st, backend.NewClient(backendSrv.URL), 100)

	resp := postStream(t, srv.URL, `{"message": "status?", "mode": "robotic"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var d codec.Decoder
	events, err := d.Feed(raw)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.IsToken() {
			text.WriteString(ev.TokenText)
		}
	}
	if text.String() != "Systems nominal." {
		t.Errorf("streamed text = %q, want %q", text.String(), "Systems nominal.")
	}
	if last := lastEvent(t, events); !last.Done {
		t.Errorf("final event = %+v, want done", last)
	}

	// The exchange is now in the transcript, user first.
	httpResp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("GET /history failed: %v", err)
	}
	defer httpResp.Body.Close()
	var msgs []domain.Message
	if err := json.NewDecoder(httpResp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "status?" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Systems nominal." {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestHandleStreamBackendDown(t *testing.T) {
	t.Parallel()

	// A backend address that refuses connections.
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	st := &memStore{}
	srv := newTestServer(t, st, backend.NewClient(addr), 100)

	resp := postStream(t, srv.URL, `{"message": "hello", "mode": "friendly"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (failure travels in-stream)", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var d codec.Decoder
	events, err := d.Feed(raw)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if len(events) != 1 || events[0].Error == nil || events[0].Error.Kind != "backend_unavailable" {
		t.Fatalf("events = %+v, want single backend_unavailable error", events)
	}

	if msgs := st.snapshot(t); len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Errorf("transcript = %+v, want only the user message", msgs)
	}
}

func TestHandleStreamRateLimited(t *testing.T) {
	t.Parallel()

	backendSrv := fakeBackendServer(t, []string{"ok"})
	srv := newTestServer(t, &memStore{}, backend.NewClient(backendSrv.URL), 1)

	first := postStream(t, srv.URL, `{"message": "one"}`)
	if _, err := io.Copy(io.Discard, first.Body); err != nil {
		t.Fatalf("drain first stream: %v", err)
	}
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.StatusCode)
	}

	second := postStream(t, srv.URL, `{"message": "two"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.StatusCode)
	}
}

func TestHandleHistoryEmpty(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &memStore{}, &fakeGenerator{}, 100)
	resp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("GET /history failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	// An empty transcript is an empty array, never null.
	if got := strings.TrimSpace(string(raw)); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHandleStreamClientCancellation(t *testing.T) {
	t.Parallel()

	// The backend sends one fragment, then holds the stream open until the
	// relay gives up on it.
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.WriteString(w, "Sys"); err != nil {
			return
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(backendSrv.Close)

	st := &memStore{}
	srv := newTestServer(t, st, backend.NewClient(backendSrv.URL), 100)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/stream",
		strings.NewReader(`{"message": "status?", "mode": "friendly"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /stream failed: %v", err)
	}
	defer resp.Body.Close()

	// Read until the first token arrives, then walk away mid-stream.
	buf := make([]byte, 256)
	var seen strings.Builder
	for !strings.Contains(seen.String(), `"token":"Sys"`) {
		n, err := resp.Body.Read(buf)
		seen.Write(buf[:n])
		if err != nil {
			t.Fatalf("reading stream before cancel: %v (got %q)", err, seen.String())
		}
	}
	cancel()

	// The relay notices the disconnect and persists what was delivered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := st.snapshot(t)
		if len(msgs) == 2 {
			if msgs[0].Content != "status?" {
				t.Errorf("user message = %q", msgs[0].Content)
			}
			if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Sys" {
				t.Errorf("assistant message = %+v, want the delivered fragment", msgs[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript never settled, have %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
