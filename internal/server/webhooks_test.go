package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"contentline/internal/domain"
)

type memEvents struct {
	mu    sync.Mutex
	items []domain.Event
}

func (m *memEvents) add(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, domain.Event{ID: int64(len(m.items) + 1), Type: typ, EntityKind: "object", Payload: `{"n":1}`})
}

func (m *memEvents) LatestEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.items {
		if f.Before > 0 && e.ID >= f.Before {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Contentline-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	src := &memEvents{}
	src.add("object.create")
	d := newWebhookDispatcher(src, []Webhook{{URL: hook.URL, Events: []string{"object.update"}, Secret: "s"}}, zerolog.Nop())
	ctx := context.Background()

	// history before the first poll is not replayed
	d.dispatchAll(ctx)
	require.Empty(t, got)

	for i := 0; i < defaultWebhookBatch+5; i++ {
		src.add("object.update")
	}
	src.add("object.delete")
	d.dispatchAll(ctx)

	require.Len(t, got, defaultWebhookBatch+5)
	require.Equal(t, int64(2), got[0].ID)
	require.Equal(t, int64(defaultWebhookBatch+6), got[len(got)-1].ID)
	require.Equal(t, json.RawMessage(`{"n":1}`), got[0].Payload)
	require.Equal(t, "s", secrets[0])

	d.dispatchAll(ctx)
	require.Len(t, got, defaultWebhookBatch+5)
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	fail := true
	var delivered []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		delivered = append(delivered, evt.ID)
	}))
	defer hook.Close()

	src := &memEvents{}
	d := newWebhookDispatcher(src, []Webhook{{URL: hook.URL}}, zerolog.Nop())
	ctx := context.Background()
	d.dispatchAll(ctx)

	src.add("object.create")
	src.add("object.update")
	d.dispatchAll(ctx)
	require.Empty(t, delivered)

	fail = false
	d.dispatchAll(ctx)
	require.Equal(t, []int64{1, 2}, delivered)
}

func TestEventFilter(t *testing.T) {
	require.True(t, newEventFilter(nil).match("anything"))
	require.True(t, newEventFilter([]string{" ", ""}).match("anything"))
	f := newEventFilter([]string{"object.create", " workflow.transition "})
	require.True(t, f.match("workflow.transition"))
	require.False(t, f.match("object.delete"))
}
