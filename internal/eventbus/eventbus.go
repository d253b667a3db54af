// Package eventbus carries ticks, notifications, decoded packets, and
// forwarded terminal input across the core/UI boundary. The terminal
// collaborator itself is out of scope (spec.md §1 Non-goals); this
// package's job ends at the channel (spec.md §4, "Event Bus").
package eventbus

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pythops/oryx-sub000/internal/abi"
)

// tickRate matches the reference implementation's single shared cadence
// (oryx-tui/src/app.rs's TICK_RATE, also reused by internal/fuzzyindex).
const tickRate = 40 * time.Millisecond

// defaultTTL is a notification's time-to-live in render ticks, grounded
// on notification.rs's Notification::send (ttl: 8).
const defaultTTL = 8

// NotificationLevel is a notification's severity, grounded on
// notification.rs's NotificationLevel.
type NotificationLevel uint8

const (
	Info NotificationLevel = iota
	Warning
	Error
)

func (l NotificationLevel) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	default:
		return "Info"
	}
}

// Notification is a UI-facing message with a countdown lifetime.
type Notification struct {
	Message string
	Level   NotificationLevel
	TTL     uint8
}

// EventKind discriminates which field of Event is populated.
type EventKind uint8

const (
	KindTick EventKind = iota
	KindNotification
	KindPacket
	KindInput
	KindResize
	KindReset
)

// Event is the tagged union carried on the bus, grounded on event.rs's
// Event enum (Tick/Key/Mouse/Resize/Packet/Notification/Reset). Key and
// Mouse are folded into a single opaque Input carrier since no terminal
// library is wired here — the UI collaborator decodes its own input and
// forwards only the resulting bytes.
type Event struct {
	Kind         EventKind
	Notification Notification
	Packet       abi.AppPacket
	Input        []byte
	Width        int
	Height       int
}

// EventBus delivers ticks on a fixed cadence and forwards notifications,
// decoded packets, input, and resize/reset signals from the core loop and
// the UI collaborator to one another.
type EventBus struct {
	log    logrus.FieldLogger
	events chan Event

	stop chan struct{}
	done chan struct{}
}

// New constructs an EventBus with a reasonably sized buffer so bursts of
// packets or notifications don't block producers.
func New(log logrus.FieldLogger) *EventBus {
	return &EventBus{
		log:    log,
		events: make(chan Event, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events returns the channel consumers range over.
func (b *EventBus) Events() <-chan Event {
	return b.events
}

// Run delivers a KindTick event every tickRate until Stop is called.
func (b *EventBus) Run() {
	defer close(b.done)
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.publish(Event{Kind: KindTick})
		}
	}
}

// Notify queues a notification at the given level with the default TTL.
func (b *EventBus) Notify(level NotificationLevel, message string) {
	b.publish(Event{Kind: KindNotification, Notification: Notification{
		Message: message,
		Level:   level,
		TTL:     defaultTTL,
	}})
}

// PublishPacket forwards a freshly decoded packet to the bus.
func (b *EventBus) PublishPacket(p abi.AppPacket) {
	b.publish(Event{Kind: KindPacket, Packet: p})
}

// ForwardInput carries raw input bytes from the UI collaborator into the
// core loop (spec.md §4: "terminal input forwarding from the UI
// collaborator into the core loop").
func (b *EventBus) ForwardInput(raw []byte) {
	b.publish(Event{Kind: KindInput, Input: raw})
}

// Resize notifies consumers of a terminal resize.
func (b *EventBus) Resize(width, height int) {
	b.publish(Event{Kind: KindResize, Width: width, Height: height})
}

// Reset signals consumers to discard transient UI-side state.
func (b *EventBus) Reset() {
	b.publish(Event{Kind: KindReset})
}

func (b *EventBus) publish(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.log.WithField("kind", ev.Kind).Warn("eventbus: event channel full, dropping event")
	}
}

// Stop signals Run to exit and waits for it to finish. Safe to call
// multiple times.
func (b *EventBus) Stop() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
}
