package gemini

import (
	"time"
)

// fakeTransport is a deterministic, single-goroutine Transport double used
// to drive Session through its state machine without a real socket or
// wall-clock timers. Now reports the now field, which only changes when a
// test sets it; tests fire the timer explicitly.
type fakeTransport struct {
	events TransportEvents

	sent     [][]byte
	maxBytes int
	armed    bool
	armedFor time.Duration
	now      int64
	closed   bool
}

func newFakeTransportFactory() (func(PeerConfig, TransportEvents) (Transport, error), *fakeTransport) {
	ft := &fakeTransport{maxBytes: initialMaxDatagramBytes}
	factory := func(_ PeerConfig, events TransportEvents) (Transport, error) {
		ft.events = events
		return ft, nil
	}
	return factory, ft
}

func (t *fakeTransport) SendDatagram(b []byte) error {
	if len(b) > t.maxBytes {
		return &OversizeError{Len: len(b), Limit: t.maxBytes}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	t.sent = append(t.sent, cp)
	return nil
}

func (t *fakeTransport) SetMaxDatagramBytes(n int) { t.maxBytes = n }

func (t *fakeTransport) ArmTimer(d time.Duration) {
	t.armed = true
	t.armedFor = d
}

func (t *fakeTransport) CancelTimer() { t.armed = false }

func (t *fakeTransport) Now() int64 { return t.now }

func (t *fakeTransport) Close() error { t.closed = true; return nil }

// fireTimer delivers a timer-fire event as if armedFor had elapsed, the way
// the production transport would after a real time.Timer fires.
func (t *fakeTransport) fireTimer() {
	t.armed = false
	t.events.OnTimerFire()
}

func (t *fakeTransport) deliver(b []byte) {
	t.events.OnDatagram(b, nil)
}

func (t *fakeTransport) lastSent() []byte {
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}
