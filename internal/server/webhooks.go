package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"contentline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Webhook posts audit events to URL. An empty Events list matches every
// event type; Root restricts delivery to one root.
type Webhook struct {
	URL            string
	Events         []string
	Root           string
	Secret         string
	TimeoutSeconds int
}

// EventSource lists audit events newest first.
type EventSource interface {
	LatestEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error)
}

type webhookDispatcher struct {
	events   EventSource
	webhooks []Webhook
	client   *http.Client
	log      zerolog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks delivers new events to hooks until ctx is done.
func StartWebhooks(ctx context.Context, src EventSource, hooks []Webhook, log zerolog.Logger) {
	if len(hooks) == 0 {
		return
	}
	d := newWebhookDispatcher(src, hooks, log)
	go d.run(ctx)
}

func newWebhookDispatcher(src EventSource, hooks []Webhook, log zerolog.Logger) *webhookDispatcher {
	return &webhookDispatcher{
		events:   src,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook Webhook) {
	cursor, ok := d.cursorFor(ctx, idx, hook)
	if !ok {
		return
	}
	pending, err := d.eventsAfter(ctx, hook, cursor)
	if err != nil {
		d.log.Error().Err(err).Str("url", hook.URL).Msg("webhook: fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range pending {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn().Err(err).Str("url", hook.URL).Int64("event", evt.ID).Msg("webhook: delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// eventsAfter pages back from the newest event to cursor and returns the
// events oldest first.
func (d *webhookDispatcher) eventsAfter(ctx context.Context, hook Webhook, cursor int64) ([]domain.Event, error) {
	var out []domain.Event
	var before int64
	for {
		page, err := d.events.LatestEvents(ctx, domain.EventFilter{Limit: defaultWebhookBatch, Before: before, RootID: hook.Root})
		if err != nil {
			return nil, err
		}
		done := len(page) < defaultWebhookBatch
		for _, evt := range page {
			if evt.ID <= cursor {
				done = true
				break
			}
			out = append(out, evt)
		}
		if done || len(page) == 0 {
			break
		}
		before = page[len(page)-1].ID
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// cursorFor starts a hook at the newest event so history is not replayed.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int, hook Webhook) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	latest, err := d.events.LatestEvents(ctx, domain.EventFilter{Limit: 1, RootID: hook.Root})
	if err != nil {
		d.log.Error().Err(err).Msg("webhook: init cursor failed")
		return 0, false
	}
	var cur int64
	if len(latest) > 0 {
		cur = latest[0].ID
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RootID     string          `json:"root_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RootID:     evt.RootID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Contentline-Event", evt.Type)
	req.Header.Set("X-Contentline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Contentline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
