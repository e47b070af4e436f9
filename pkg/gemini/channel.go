package gemini

// RwResult is delivered on a Channel's result stream once per transaction; see
// spec §6 "Public API (Channel)". A request larger than the negotiated
// maxPayloadWords is split into several transactions, and each of them
// delivers its own RwResult, in order.
type RwResult struct {
	TimedOut bool
	Base     uint32
	Count    uint32
	Payload  []byte // populated for read kinds on success; empty otherwise
	Kind     RwKind
	IsAck    bool
	FailCode uint8
}

// resultsBufferSize bounds how many outstanding RwResults a Channel can
// queue before its session's single event loop would block delivering to
// it. Sized generously above any realistic pipeline depth; callers are
// still expected to drain Results promptly.
const resultsBufferSize = 256

// Channel is a caller-facing handle multiplexed onto a single Session; see
// spec §4.3. It carries a routing id (its index into the Session's channel
// table) used to deliver replies, mirroring the original RwChannel/m_chans
// pair: a weak index into a nullable slot, never a strong owning reference,
// so a disposed channel's in-flight replies are silently dropped rather than
// delivered to a dangling pointer.
type Channel struct {
	id      uint32
	session *Session
	results chan RwResult
}

// ID returns the channel's routing index, primarily useful for logging.
func (c *Channel) ID() uint32 { return c.id }

// RW submits a register-access request; see spec §4.2.4. It is legal to call
// repeatedly on the same channel — pipelined requests are multiplexed and
// their results delivered, in submission order, on Results.
func (c *Channel) RW(base, count uint32, payload []byte, kind RwKind) {
	c.session.post(func() {
		c.session.handleRW(c.id, base, count, payload, kind)
	})
}

// Results returns the stream of responses for requests submitted on this
// channel, delivered in submission order.
func (c *Channel) Results() <-chan RwResult {
	return c.results
}

// Dispose relinquishes the channel; see spec §4.3. Any transaction still in
// flight for this channel continues to execute, but its eventual result is
// silently dropped.
func (c *Channel) Dispose() {
	c.session.post(func() {
		if c.session.channels[c.id] == c {
			c.session.channels[c.id] = nil
		}
	})
}

// openChannel implements spec §4.3's allocation rule: the lowest index whose
// slot is null AND which is not referenced by any queued transaction, else a
// freshly appended slot.
func (s *Session) openChannel() *Channel {
	idx := -1
	for i, slot := range s.channels {
		if slot == nil && !s.channelReferenced(uint32(i)) {
			idx = i
			break
		}
	}
	ch := &Channel{session: s, results: make(chan RwResult, resultsBufferSize)}
	if idx >= 0 {
		ch.id = uint32(idx)
		s.channels[idx] = ch
	} else {
		ch.id = uint32(len(s.channels))
		s.channels = append(s.channels, ch)
	}
	return ch
}

func (s *Session) channelReferenced(idx uint32) bool {
	for _, t := range s.queue {
		if t.channelID == idx {
			return true
		}
	}
	return false
}
