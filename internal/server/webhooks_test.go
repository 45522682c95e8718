package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"powerline/internal/config"
	"powerline/internal/engine"
	"powerline/internal/metrics"
)

type webhookReceiver struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
	status  int
}

func (r *webhookReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	body, _ := io.ReadAll(req.Body)
	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err == nil {
		r.events = append(r.events, evt)
		r.headers = append(r.headers, req.Header.Clone())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *webhookReceiver) received() []webhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhookEvent(nil), r.events...)
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t)
	receiver := &webhookReceiver{}
	hook := httptest.NewServer(receiver)
	defer hook.Close()

	e := srv.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"outage.created", "outage.resolved"},
		Secret: "s3cret",
	}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, metrics.New(), nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	ctx := context.Background()
	// events recorded before the first pass are skipped
	d.dispatchAll(ctx)

	o, err := e.CreateOutage(ctx, engine.System, engine.OutageCreateOptions{VillageID: srv.Village.ID, Reason: "storm"})
	if err != nil {
		t.Fatalf("create outage: %v", err)
	}
	if _, err := e.ResolveOutage(ctx, engine.System, o.ID); err != nil {
		t.Fatalf("resolve outage: %v", err)
	}
	d.dispatchAll(ctx)

	got := receiver.received()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %+v", len(got), got)
	}
	if got[0].Type != "outage.created" || got[1].Type != "outage.resolved" || got[0].EntityID != o.ID {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if h := receiver.headers[0]; h.Get("X-Powerline-Secret") != "s3cret" || h.Get("X-Powerline-Event") != "outage.created" {
		t.Fatalf("unexpected headers %v", h)
	}

	// a second pass does not redeliver
	d.dispatchAll(ctx)
	if n := len(receiver.received()); n != 2 {
		t.Fatalf("expected no redelivery, got %d", n)
	}
}

func TestWebhookDispatcherRetriesAfterFailure(t *testing.T) {
	srv := newTestServer(t)
	receiver := &webhookReceiver{status: http.StatusBadGateway}
	hook := httptest.NewServer(receiver)
	defer hook.Close()

	e := srv.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"outage.created"}}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, nil, nil)
	ctx := context.Background()
	d.dispatchAll(ctx)

	if _, err := e.CreateOutage(ctx, engine.System, engine.OutageCreateOptions{VillageID: srv.Village.ID, Reason: "storm"}); err != nil {
		t.Fatalf("create outage: %v", err)
	}
	d.dispatchAll(ctx)
	if n := len(receiver.received()); n != 0 {
		t.Fatalf("failed delivery should not be recorded, got %d", n)
	}

	receiver.mu.Lock()
	receiver.status = 0
	receiver.mu.Unlock()
	d.dispatchAll(ctx)
	if got := receiver.received(); len(got) != 1 || got[0].Type != "outage.created" {
		t.Fatalf("expected redelivery after failure, got %+v", got)
	}
}

func TestNewWebhookDispatcherWithoutHooks(t *testing.T) {
	if d := newWebhookDispatcher(engine.Engine{Config: config.Default()}, nil, nil); d != nil {
		t.Fatalf("expected nil dispatcher without webhooks")
	}
}
