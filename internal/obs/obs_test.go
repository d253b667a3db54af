package obs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/eventbus"
)

func TestNewLoggerWritesToGivenOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf)
	log.Info("hello")
	require.Contains(t, buf.String(), "hello")
}

func TestReporterLogsAndNotifies(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf)
	bus := eventbus.New(log)

	r := NewReporter(log, bus)
	err := r.Report("ring reader", errors.New("boom"))
	require.Error(t, err)
	require.Contains(t, buf.String(), "boom")

	select {
	case ev := <-bus.Events():
		require.Equal(t, eventbus.KindNotification, ev.Kind)
		require.Equal(t, eventbus.Error, ev.Notification.Level)
		require.Contains(t, ev.Notification.Message, "ring reader")
	default:
		t.Fatal("expected a notification event on the bus")
	}
}

func TestReporterNilErrorIsNoOp(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf)
	r := NewReporter(log, nil)
	require.NoError(t, r.Report("x", nil))
	require.Empty(t, buf.String())
}
