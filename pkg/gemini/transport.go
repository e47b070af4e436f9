package gemini

import (
	"net"
	"time"
)

// Transport owns the UDP endpoint, the single-shot timer, the monotonic
// clock, and the low-level datagram send/receive; see spec §4.1. It performs
// no protocol interpretation of its own, which keeps it a thin, independently
// testable I/O seam — Session is driven against the TransportEvents callbacks
// it reports through, never against a net.Conn directly.
type Transport interface {
	// SendDatagram sends bytes to the configured peer. It fails with
	// *OversizeError when len(b) exceeds the current negotiated maximum.
	SendDatagram(b []byte) error

	// SetMaxDatagramBytes updates the negotiated maximum, as learned from
	// a CNX-ACK.
	SetMaxDatagramBytes(n int)

	// ArmTimer schedules a single TimerFire event after d. Arming again
	// before it fires replaces the pending deadline.
	ArmTimer(d time.Duration)

	// CancelTimer cancels any pending timer; a no-op if none is armed.
	CancelTimer()

	// Now returns the current monotonic time in milliseconds, suitable
	// for computing and comparing deadlines.
	Now() int64

	// Close releases the underlying socket and any pending timer.
	Close() error
}

// TransportEvents is how a Transport reports inbound activity back to a
// Session. A Session implements this interface and registers itself with
// its Transport at construction.
type TransportEvents interface {
	// OnDatagram is invoked once per inbound datagram, in the order
	// received.
	OnDatagram(b []byte, from net.Addr)

	// OnTimerFire is invoked when the armed timer fires without having
	// been canceled first.
	OnTimerFire()
}

// udpTransport is the production Transport, backed by a real net.UDPConn.
// Despite running its read loop on a background goroutine, all protocol
// state mutation still happens only inside the Session's single logical
// execution context: udpTransport hands received datagrams and timer fires
// to the owning Session through a single events channel that the Session's
// run loop drains one at a time (see Session.loop in session.go), so §5's
// single-threaded cooperative model is preserved even though the socket read
// itself blocks on a goroutine of its own.
type udpTransport struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	events TransportEvents

	maxDatagramBytes int

	timer *time.Timer

	closeCh chan struct{}
	closed  bool
}

// NewUDPTransport binds an unconnected UDP socket on an ephemeral local port
// and sends to peer with WriteTo. events is notified of inbound datagrams
// from a background read goroutine and of timer fires from the timer's own
// goroutine; neither performs protocol interpretation itself.
func NewUDPTransport(peer PeerConfig, events TransportEvents) (Transport, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	t := &udpTransport{
		conn:             conn,
		peer:             peer.udpAddr(),
		events:           events,
		maxDatagramBytes: initialMaxDatagramBytes,
		closeCh:          make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *udpTransport) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		t.events.OnDatagram(cp, from)
	}
}

func (t *udpTransport) SendDatagram(b []byte) error {
	if len(b) > t.maxDatagramBytes {
		return &OversizeError{Len: len(b), Limit: t.maxDatagramBytes}
	}
	_, err := t.conn.WriteTo(b, t.peer)
	return err
}

func (t *udpTransport) SetMaxDatagramBytes(n int) {
	t.maxDatagramBytes = n
}

func (t *udpTransport) ArmTimer(d time.Duration) {
	t.CancelTimer()
	t.timer = time.AfterFunc(d, func() {
		t.events.OnTimerFire()
	})
}

func (t *udpTransport) CancelTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// monoStart anchors Now; time.Since on it uses the monotonic clock reading.
var monoStart = time.Now()

func (t *udpTransport) Now() int64 {
	return time.Since(monoStart).Milliseconds()
}

func (t *udpTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.CancelTimer()
	close(t.closeCh)
	return t.conn.Close()
}
