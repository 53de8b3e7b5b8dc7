package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"saunactl/types"
)

func TestFIFO(t *testing.T) {
	m := New(8)
	require.True(t, m.Put(DoorReading{Reading: types.DoorReading{IsOpen: true}}))
	require.True(t, m.Put(TemperatureReading{Reading: types.TemperatureReading{Celsius: 40}}))
	require.True(t, m.Put(Shutdown{}))

	ev, err := m.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "door_reading", ev.Kind())
	ev, err = m.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "temperature_reading", ev.Kind())
	ev, err = m.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "shutdown", ev.Kind())
}

func TestOverflowDropsOldestNonCritical(t *testing.T) {
	m := New(4)
	require.True(t, m.Put(DoorReading{}))
	require.True(t, m.Put(TemperatureReading{}))
	require.True(t, m.Put(TemperatureReading{}))
	require.True(t, m.Put(TemperatureReading{}))

	// Queue full; the next non-critical put evicts the oldest entry.
	require.True(t, m.Put(ButtonEvent{}))
	require.Equal(t, 4, m.Len())

	ev, _ := m.TryReceive()
	require.Equal(t, "temperature_reading", ev.Kind(), "door_reading should have been evicted")
}

func TestCriticalEvictsNonCritical(t *testing.T) {
	m := New(2)
	require.True(t, m.Put(DoorReading{}))
	require.True(t, m.Put(DoorReading{}))

	start := time.Now()
	require.True(t, m.Put(PhaseReading{Reading: types.PhaseReading{L1: 28}}))
	require.Less(t, time.Since(start), time.Second)

	kinds := drainKinds(m)
	require.Contains(t, kinds, "phase_reading")
	require.Len(t, kinds, 2)
}

func TestCriticalNeverDropped(t *testing.T) {
	m := New(2)
	require.True(t, m.Put(McbObserved{State: types.McbOn}))
	require.True(t, m.Put(McbObserved{State: types.McbOff}))

	// Full of critical events: a further critical put blocks briefly, then
	// grows the queue instead of dropping.
	require.True(t, m.Put(PhaseReading{}))
	require.Equal(t, 3, m.Len())

	// A non-critical put finds nothing to evict and is itself dropped.
	require.False(t, m.Put(DoorReading{}))
	require.Equal(t, 3, m.Len())
}

func TestReceiveUnblocksOnPut(t *testing.T) {
	m := New(4)
	done := make(chan Event, 1)
	go func() {
		ev, err := m.Receive(context.Background())
		if err == nil {
			done <- ev
		}
	}()
	time.Sleep(20 * time.Millisecond)
	m.Put(ButtonEvent{Event: types.ButtonEvent{Action: types.ButtonClick}})

	select {
	case ev := <-done:
		require.Equal(t, "button_event", ev.Kind())
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock")
	}
}

func TestReceiveContextCancel(t *testing.T) {
	m := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	m := New(4)
	require.True(t, m.Put(DoorReading{}))
	m.Close()
	require.False(t, m.Put(DoorReading{}))

	// Queued events remain receivable after close.
	ev, err := m.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "door_reading", ev.Kind())
	_, err = m.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func drainKinds(m *Mailbox) []string {
	var out []string
	for {
		ev, ok := m.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev.Kind())
	}
}
