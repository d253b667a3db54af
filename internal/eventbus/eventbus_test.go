package eventbus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pythops/oryx-sub000/internal/abi"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(discard{})
	return l
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestRunDeliversTicks(t *testing.T) {
	b := New(nullLogger())
	go b.Run()
	defer b.Stop()

	ev := <-b.Events()
	require.Equal(t, KindTick, ev.Kind)
}

func TestNotifySetsDefaultTTL(t *testing.T) {
	b := New(nullLogger())
	b.Notify(Warning, "interface down")

	ev := <-b.Events()
	require.Equal(t, KindNotification, ev.Kind)
	require.Equal(t, Warning, ev.Notification.Level)
	require.EqualValues(t, defaultTTL, ev.Notification.TTL)
	require.Equal(t, "interface down", ev.Notification.Message)
}

func TestPublishPacketRoundTrips(t *testing.T) {
	b := New(nullLogger())
	pkt := abi.AppPacket{Network: abi.NetworkPacket{Kind: abi.KindARP}}
	b.PublishPacket(pkt)

	ev := <-b.Events()
	require.Equal(t, KindPacket, ev.Kind)
	require.Equal(t, pkt, ev.Packet)
}

func TestForwardInputCarriesRawBytes(t *testing.T) {
	b := New(nullLogger())
	b.ForwardInput([]byte("q"))

	ev := <-b.Events()
	require.Equal(t, KindInput, ev.Kind)
	require.Equal(t, []byte("q"), ev.Input)
}

func TestResizeAndReset(t *testing.T) {
	b := New(nullLogger())
	b.Resize(120, 40)
	ev := <-b.Events()
	require.Equal(t, KindResize, ev.Kind)
	require.Equal(t, 120, ev.Width)
	require.Equal(t, 40, ev.Height)

	b.Reset()
	ev = <-b.Events()
	require.Equal(t, KindReset, ev.Kind)
}

func TestPublishDropsWhenChannelFull(t *testing.T) {
	b := New(nullLogger())
	for i := 0; i < 256; i++ {
		b.Notify(Info, "fill")
	}
	// the 257th publish must not block.
	done := make(chan struct{})
	go func() {
		b.Notify(Info, "overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full channel")
	}
}
