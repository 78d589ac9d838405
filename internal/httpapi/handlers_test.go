package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/fathomhq/fathom/internal/citations"
	"github.com/fathomhq/fathom/internal/identity"
	"github.com/fathomhq/fathom/internal/pipeline"
	"github.com/fathomhq/fathom/internal/planner"
	"github.com/fathomhq/fathom/internal/retrieval"
	"github.com/fathomhq/fathom/internal/retry"
	"github.com/fathomhq/fathom/internal/search"
	"github.com/fathomhq/fathom/internal/sources"
	"github.com/fathomhq/fathom/internal/streaming"
)

func newTestServer(t *testing.T) (*http.ServeMux, *streaming.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	provider := search.Func(func(context.Context, string, string) ([]sources.Source, error) {
		return []sources.Source{
			{
				Title:   "Equasis record",
				URL:     "https://www.equasis.org/ship/9811000",
				Content: "Ever Given, IMO 9811000, is a container ship of 224,000 DWT operated by Evergreen Marine, delivered in 2018.",
			},
		}, nil
	})
	rt := retrieval.New(provider, nil, nil, retrieval.Options{
		Concurrency: 4,
		Retry: retry.Policy{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1.0,
		},
	}, logger)

	mgr := streaming.NewManager(64)
	pipe := pipeline.New(
		planner.New(nil, 6, logger),
		rt,
		sources.NewAggregator(sources.DefaultAggregateOptions(), logger),
		identity.NewValidator(identity.DefaultThresholds(), logger),
		citations.NewEnforcer(nil, citations.DefaultPolicy(), logger),
		nil, nil, mgr,
		pipeline.Options{Deadline: 10 * time.Second},
		logger,
	)

	mux := http.NewServeMux()
	NewHandler(pipe, mgr, logger).RegisterRoutes(mux)
	return mux, mgr
}

func TestSubmitSync(t *testing.T) {
	mux, _ := newTestServer(t)

	body := `{"query": "Ever Given IMO 9811000"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/research", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp pipeline.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Answer == "" {
		t.Error("empty answer")
	}
	if len(resp.Sources) == 0 {
		t.Error("no sources in response")
	}
}

func TestSubmitRejectsBadBody(t *testing.T) {
	mux, _ := newTestServer(t)

	for _, body := range []string{"{not json", `{"query": ""}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/research", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestSubmitAsyncAndPoll(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/research",
		strings.NewReader(`{"query": "Ever Given IMO 9811000", "async": true}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var acc struct {
		RequestID string `json:"request_id"`
		ResultURL string `json:"result_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &acc); err != nil {
		t.Fatal(err)
	}
	if acc.RequestID == "" {
		t.Fatal("no request id")
	}

	deadline := time.After(10 * time.Second)
	for {
		poll := httptest.NewRequest(http.MethodGet, acc.ResultURL, nil)
		prec := httptest.NewRecorder()
		mux.ServeHTTP(prec, poll)

		if prec.Code == http.StatusOK {
			var resp pipeline.Response
			if err := json.Unmarshal(prec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Answer == "" {
				t.Error("empty answer from async result")
			}
			return
		}
		if prec.Code != http.StatusAccepted {
			t.Fatalf("poll status = %d, body = %s", prec.Code, prec.Body.String())
		}
		select {
		case <-deadline:
			t.Fatal("async result never completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestResultUnknownID(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/research/no-such-id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStreamReplay(t *testing.T) {
	mux, mgr := newTestServer(t)

	// Build a backlog: seq 1 and 2. Reconnecting with Last-Event-ID 1
	// must replay only the events after it.
	id := "replay-req"
	mgr.Emit(id, streaming.Event{RequestID: id, Type: streaming.TypeSearching, Message: "retrieving sources"})
	mgr.Emit(id, streaming.Event{RequestID: id, Type: streaming.TypeRanking, Message: "sources ranked"})

	req := httptest.NewRequest(http.MethodGet, "/v1/research/"+id+"/stream", nil)
	req.Header.Set("Last-Event-ID", "1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		done <- rec
	}()

	// The handler only returns when a live TypeComplete arrives or the
	// request context ends. Keep pushing the terminal event until the
	// handler has subscribed and seen it.
	var rec *httptest.ResponseRecorder
	for rec == nil {
		mgr.Emit(id, streaming.Event{RequestID: id, Type: streaming.TypeComplete, Message: "done"})
		select {
		case rec = <-done:
		case <-time.After(20 * time.Millisecond):
		}
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, ": connected") {
		t.Errorf("missing connected comment:\n%s", body)
	}
	if !strings.Contains(body, "event: "+streaming.TypeRanking) {
		t.Errorf("missing replayed ranking event:\n%s", body)
	}
	if strings.Contains(body, "event: "+streaming.TypeSearching) {
		t.Errorf("replayed an event at or before Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(body, "event: "+streaming.TypeComplete) {
		t.Errorf("missing complete event:\n%s", body)
	}
	if !strings.Contains(body, "id: ") {
		t.Errorf("events missing sequence ids:\n%s", body)
	}
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
