package publish

import (
	"net"
)

// DefaultPort is the well-known Gemini publish port; see spec §6. By
// convention the register-access port plus one.
const DefaultPort = 30001

// subscriberBufferSize bounds how many undelivered events a slow subscriber
// can accumulate before newer events are dropped for it; the listener
// retains no history of its own (spec §4.4), so a full subscriber simply
// misses events rather than blocking delivery to everyone else.
const subscriberBufferSize = 64

// Listener binds a UDP port, decodes fixed-size broadcast event packets, and
// emits them to subscribers; see spec §4.4. It shares no state with Session.
//
// Like Session, a single goroutine (dispatchLoop) owns the subscriber set;
// Subscribe/Unsubscribe and the read loop's decoded events all flow through
// channels into it rather than touching a shared map under a lock.
type Listener struct {
	conn *net.UDPConn

	eventCh chan Event
	subCh   chan chan Event
	unsubCh chan (<-chan Event)
	closeCh chan struct{}
	doneCh  chan struct{}
}

// Listen binds port on the wildcard address and starts receiving
// immediately. The socket is opened without address reuse (SO_REUSEADDR is
// not set), so the port cannot be shared with another process.
func Listen(port int) (*Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	l := &Listener{
		conn:    conn,
		eventCh: make(chan Event),
		subCh:   make(chan chan Event),
		unsubCh: make(chan (<-chan Event)),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.dispatchLoop()
	go l.readLoop()
	return l, nil
}

// Subscribe registers a new subscriber and returns the channel events will
// be delivered on; a subscriber that falls behind silently misses events
// rather than blocking delivery to others. Call Unsubscribe with the
// returned channel when done.
func (l *Listener) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBufferSize)
	select {
	case l.subCh <- ch:
	case <-l.doneCh:
		close(ch)
	}
	return ch
}

// Unsubscribe stops delivery to a channel previously returned by Subscribe
// and closes it.
func (l *Listener) Unsubscribe(ch <-chan Event) {
	select {
	case l.unsubCh <- ch:
	case <-l.doneCh:
	}
}

// Close stops the listener, releases the underlying socket, and closes
// every subscriber channel.
func (l *Listener) Close() error {
	err := l.conn.Close()
	close(l.closeCh)
	<-l.doneCh
	return err
}

func (l *Listener) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				continue
			}
		}
		ev, ok := decodeEvent(buf[:n], from)
		if !ok {
			continue
		}
		select {
		case l.eventCh <- ev:
		case <-l.closeCh:
			return
		}
	}
}

func (l *Listener) dispatchLoop() {
	subs := make(map[<-chan Event]chan Event)
	defer func() {
		for _, ch := range subs {
			close(ch)
		}
		close(l.doneCh)
	}()
	for {
		select {
		case ch := <-l.subCh:
			subs[ch] = ch
		case ch := <-l.unsubCh:
			if w, ok := subs[ch]; ok {
				delete(subs, ch)
				close(w)
			}
		case ev := <-l.eventCh:
			for _, ch := range subs {
				select {
				case ch <- ev:
				default:
					// Subscriber is behind; drop rather than block
					// delivery to everyone else.
				}
			}
		case <-l.closeCh:
			return
		}
	}
}
