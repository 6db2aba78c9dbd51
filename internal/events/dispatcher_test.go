package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"contentline/internal/events"
)

func TestDispatcherOrderAndErrors(t *testing.T) {
	d := events.NewDispatcher()
	var calls []string
	d.On(events.Create, func(_ context.Context, s events.Signal) error {
		calls = append(calls, "first:"+s.Name)
		return nil
	})
	boom := errors.New("boom")
	d.On(events.Create, func(context.Context, events.Signal) error {
		calls = append(calls, "second")
		return boom
	})
	d.On(events.Create, func(context.Context, events.Signal) error {
		calls = append(calls, "third")
		return nil
	})

	err := d.Signal(context.Background(), events.Create, events.Signal{ID: 3})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"first:create", "second"}, calls)

	require.NoError(t, d.Signal(context.Background(), events.Delete, events.Signal{}))
	require.True(t, d.Has(events.Create))
	require.False(t, d.Has(events.Delete))

	var nilDispatcher *events.Dispatcher
	require.NoError(t, nilDispatcher.Signal(context.Background(), events.Create, events.Signal{}))
}
