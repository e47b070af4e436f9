package gemini

import (
	"net"
	"time"
)

// ConnectResult is reported once per Connect call; see spec §4.2.1 and §7.
type ConnectResult uint8

const (
	ConnectOK ConnectResult = iota
	ConnectFailTemp
	ConnectFailPerm
	ConnectTimeout
)

func (r ConnectResult) String() string {
	switch r {
	case ConnectOK:
		return "OK"
	case ConnectFailTemp:
		return "FAIL_TEMP"
	case ConnectFailPerm:
		return "FAIL_PERM"
	case ConnectTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// state is the Session's lifecycle state; see spec §4.2.1.
type state uint8

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	stateFailed
)

// Session drives the lifecycle state machine for one logical connection to
// one FPGA: connect handshake, in-flight pipeline accounting, sequence
// tracking, timeout/retry bookkeeping, and teardown; see spec §4.2.
//
// All state mutation happens inside Session.loop, a single goroutine that
// serially drains a channel of closures posted by the Transport (inbound
// datagram, timer fire) and by the public API (Connect, Channel.RW,
// OpenChannel, Dispose). This is the idiomatic Go rendering of spec §5's
// "single-threaded cooperative" requirement: rather than guard every field
// with a mutex, exactly one goroutine ever touches them, the same pattern
// the teacher uses for broker.handleReqs/brokerCxn.handleResps serially
// draining their own request/response channels.
type Session struct {
	peer PeerConfig
	cfg  cfg

	transport Transport

	eventCh chan func()
	closeCh chan struct{}

	state           state
	waitingForRetry bool
	clientSeq       uint8
	maxPayloadWords uint32
	pipelineDepth   uint32
	inTransit       uint32
	connID          uint32

	cnxRetries      uint32
	connectResultCh chan ConnectResult

	queue    []*transaction
	channels []*Channel

	trace *traceRing

	failedCh chan struct{}
}

// NewSession constructs a Session for the given peer and binds a real UDP
// transport; see spec §6 "new(peer, timeout_ms, max_retries) -> Session".
func NewSession(peer PeerConfig, opts ...Opt) (*Session, error) {
	return newSession(peer, NewUDPTransport, opts...)
}

func newSession(peer PeerConfig, newTransport func(PeerConfig, TransportEvents) (Transport, error), opts ...Opt) (*Session, error) {
	c := newCfg()
	for _, opt := range opts {
		opt(&c)
	}
	s := &Session{
		peer:     peer,
		cfg:      c,
		eventCh:  make(chan func(), 64),
		closeCh:  make(chan struct{}),
		trace:    newTraceRing(c.traceRing, c.traceRecord),
		failedCh: make(chan struct{}),
	}
	transport, err := newTransport(peer, s)
	if err != nil {
		return nil, err
	}
	s.transport = transport
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.eventCh:
			fn()
		case <-s.closeCh:
			return
		}
	}
}

// post enqueues fn to run on the Session's single event-loop goroutine. It
// is the only way any code outside loop() touches Session state. It reports
// false without running fn if the session has already been Closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.closeCh:
		return false
	default:
	}
	select {
	case s.eventCh <- fn:
		return true
	case <-s.closeCh:
		return false
	}
}

func (s *Session) log(level LogLevel, msg string, keyvals ...interface{}) {
	if s.cfg.logger != nil {
		s.cfg.logger.Log(level, msg, keyvals...)
	}
}

// Connect asynchronously transitions the state machine and reports its
// outcome on the returned channel, exactly once; see spec §4.2.3 and §6.
func (s *Session) Connect() <-chan ConnectResult {
	resultCh := make(chan ConnectResult, 1)
	if !s.post(func() { s.handleConnect(resultCh) }) {
		resultCh <- ConnectTimeout
	}
	return resultCh
}

// Failed returns a channel that is closed once, when the session
// transitions to FAILED (spec §4.2.1's terminal CONNECTED -> FAILED
// transition). A fresh channel is installed each time Connect starts a new
// handshake.
func (s *Session) Failed() <-chan struct{} {
	return s.failedCh
}

// OpenChannel returns a channel bound to this session; see spec §4.3.
func (s *Session) OpenChannel() *Channel {
	resultCh := make(chan *Channel, 1)
	if !s.post(func() { resultCh <- s.openChannel() }) {
		return nil
	}
	return <-resultCh
}

// Close best-effort cancels pending transactions and disposes every
// channel; see spec §6 "drop Session" and SPEC_FULL.md's graceful shutdown
// addition.
func (s *Session) Close() {
	done := make(chan struct{})
	delivered := s.post(func() {
		s.failAll(ErrClosed)
		s.state = stateDisconnected
		s.transport.CancelTimer()
		for i := range s.channels {
			s.channels[i] = nil
		}
		close(done)
	})
	if !delivered {
		return // already closed
	}
	<-done
	close(s.closeCh)
	s.transport.Close()
}

// -- connect handshake (spec §4.2.3) ----------------------------------------

func (s *Session) handleConnect(resultCh chan ConnectResult) {
	if s.state == stateConnected {
		resultCh <- ConnectOK
		return
	}

	s.state = stateConnecting
	s.clientSeq = 1
	s.cnxRetries = 0
	s.connectResultCh = resultCh
	s.queue = nil
	s.trace.reset()
	s.failedCh = make(chan struct{})

	s.sendCnx()
	s.transport.ArmTimer(s.peer.Timeout)
}

func (s *Session) sendCnx() {
	buf := make([]byte, headerSize)
	header{version: protocolVersion, op: opCNX, cliSeq: s.clientSeq}.encode(buf)
	if len(s.cfg.authKey) > 0 {
		tag, err := computeAuthTag(s.cfg.authKey, buf)
		if err == nil {
			buf = append(buf, tag...)
		}
	}
	if err := s.transport.SendDatagram(buf); err != nil {
		s.log(LogLevelError, "failed to send CNX", "err", err)
	}
}

func (s *Session) handleCnxTimeout() {
	if s.cnxRetries < s.peer.MaxRetries {
		s.cnxRetries++
		s.sendCnx()
		s.transport.ArmTimer(s.peer.Timeout)
		return
	}
	s.state = stateDisconnected
	s.reportConnect(ConnectTimeout)
}

func (s *Session) handleCnxDatagram(b []byte) {
	h, err := decodeHeader(b)
	if err != nil || h.version != protocolVersion {
		// Malformed: ignore, remain armed.
		return
	}

	switch {
	case h.op == opACK && h.svrSeq == 1:
		payload, err := decodeCnxAckPayload(b[headerSize:])
		if err != nil {
			return // malformed; remain armed
		}
		if len(s.cfg.authKey) > 0 {
			tagOff := headerSize + cnxAckPayloadSize
			if len(b) < tagOff+authTagSize || !verifyAuthTag(s.cfg.authKey, b[:tagOff], b[tagOff:tagOff+authTagSize]) {
				s.log(LogLevelWarn, "discarding CNX-ACK with missing or invalid auth tag")
				return // remain armed
			}
		}

		s.transport.CancelTimer()
		s.maxPayloadWords = applyCnxWorkaround(payload.maxPayloadWords)
		s.pipelineDepth = payload.pipelineDepth
		s.connID = payload.connectionID
		s.transport.SetMaxDatagramBytes(int(s.maxPayloadWords) * 4)
		s.clientSeq = 1
		s.inTransit = 0
		s.waitingForRetry = false
		s.state = stateConnected
		s.log(LogLevelDebug, "connected", "maxPayloadWords", s.maxPayloadWords, "pipelineDepth", s.pipelineDepth, "connID", s.connID)
		s.reportConnect(ConnectOK)

	case h.op == opNACKT:
		s.transport.CancelTimer()
		s.state = stateDisconnected
		s.reportConnect(ConnectFailTemp)

	case h.op == opNACKP:
		s.transport.CancelTimer()
		s.state = stateDisconnected
		s.reportConnect(ConnectFailPerm)

	default:
		// Any other opcode (including an ACK with the wrong server
		// sequence): ignore, remain armed.
	}
}

func (s *Session) reportConnect(r ConnectResult) {
	if s.connectResultCh != nil {
		s.connectResultCh <- r
		s.connectResultCh = nil
	}
}

// -- request submission & pump (spec §4.2.4, §4.2.5) ------------------------

func (s *Session) handleRW(channelID, base, count uint32, payload []byte, kind RwKind) {
	ch := s.lookupChannel(channelID)

	if s.state != stateConnected {
		if ch != nil {
			ch.results <- RwResult{TimedOut: true, Base: base, Count: count, Kind: kind}
		}
		return
	}

	remaining := count
	b := base
	var off uint32
	for remaining > 0 {
		chunk := remaining
		if chunk > s.maxPayloadWords {
			chunk = s.maxPayloadWords
		}
		t := &transaction{kind: kind, base: b, count: chunk, channelID: channelID}
		if kind.isWrite() && payload != nil {
			lo, hi := off*4, (off+chunk)*4
			if int(hi) <= len(payload) {
				t.payload = payload[lo:hi]
			}
		}
		s.queue = append(s.queue, t)
		remaining -= chunk
		b += chunk
		off += chunk
	}

	s.pump()
}

func (s *Session) lookupChannel(id uint32) *Channel {
	if int(id) >= len(s.channels) {
		return nil
	}
	return s.channels[id]
}

// pump walks the queue head-first and sends every unsent transaction while
// under the pipeline cap; see spec §4.2.5. It is a no-op while
// waitingForRetry, per spec's "normal mode only".
func (s *Session) pump() {
	if s.waitingForRetry {
		return
	}
	for _, t := range s.queue {
		if t.sent() {
			continue
		}
		if s.inTransit >= s.pipelineDepth {
			break
		}
		s.sendTransaction(t)
	}
}

func (s *Session) sendTransaction(t *transaction) {
	s.clientSeq++
	t.cliSeq = s.clientSeq

	op, err := opcodeForKind(t.kind)
	if err != nil {
		s.log(LogLevelError, "dropping transaction with unknown kind", "err", err)
		return
	}

	buf := make([]byte, headerSize, headerSize+len(t.payload))
	header{version: protocolVersion, op: op, cliSeq: t.cliSeq, baseAddr: t.base, numRegs: uint16(t.count)}.encode(buf)
	buf = append(buf, t.payload...)

	if err := s.transport.SendDatagram(buf); err != nil {
		s.log(LogLevelError, "failed to send transaction", "base", t.base, "count", t.count, "err", err)
	}

	t.sendCount++
	t.deadline = s.transport.Now() + s.peer.Timeout.Milliseconds()
	s.inTransit++

	if len(s.queue) > 0 && s.queue[0] == t {
		s.transport.ArmTimer(s.peer.Timeout)
	}
}

// -- response handling (spec §4.2.6, §4.2.7, §4.2.8) ------------------------

func (s *Session) handleConnectedDatagram(b []byte) {
	h, err := decodeHeader(b)
	if err != nil || h.version != protocolVersion {
		return // Malformed: drop silently.
	}
	if h.op != opACK && h.op != opNACKT && h.op != opNACKP {
		return // Malformed opcode for this state: drop silently.
	}

	s.trace.record(b, s.transport.Now())

	if len(s.queue) == 0 {
		return // nothing outstanding to match against
	}
	head := s.queue[0]

	if h.op == opNACKT || h.svrSeq != head.cliSeq {
		s.log(LogLevelWarn, "sequence loss detected", "expected", head.cliSeq, "got", h.svrSeq, "op", h.op)
		if !s.waitingForRetry {
			s.retryHead()
		}
		return
	}

	// Matched response: op is ACK or NACKP and svrSeq == head.cliSeq.
	s.transport.CancelTimer()
	if s.waitingForRetry {
		s.waitingForRetry = false
		s.inTransit = 0
	} else {
		s.inTransit--
	}

	if (head.kind == ReadInc || head.kind == ReadFIFO) && uint32(h.numRegs) != head.count {
		s.log(LogLevelWarn, "read count mismatch", "requested", head.count, "got", h.numRegs)
	}

	s.queue = s.queue[1:]
	if len(s.queue) > 0 && s.queue[0].sent() {
		remaining := time.Duration(s.queue[0].deadline-s.transport.Now()) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		s.transport.ArmTimer(remaining)
	}

	s.pump()

	if ch := s.lookupChannel(head.channelID); ch != nil {
		var respPayload []byte
		if (head.kind == ReadInc || head.kind == ReadFIFO) && len(b) > headerSize {
			respPayload = append([]byte(nil), b[headerSize:]...)
		}
		ch.results <- RwResult{
			TimedOut: false,
			Base:     head.base,
			Count:    head.count,
			Payload:  respPayload,
			Kind:     head.kind,
			IsAck:    h.op == opACK,
			FailCode: h.failCode,
		}
	}
}

// retryHead implements spec §4.2.7.
func (s *Session) retryHead() {
	head := s.queue[0]
	if head.sendCount > s.peer.MaxRetries {
		s.state = stateFailed
		s.transport.CancelTimer()
		s.failAll(ErrSessionFailed)
		close(s.failedCh)
		return
	}

	for _, t := range s.queue[1:] {
		t.sendCount = 0
	}
	// Every transaction behind head is now considered unsent again (pump
	// will resend them once the retry resolves), so only head remains
	// in flight; sendTransaction below counts it back in.
	s.inTransit = 0
	// Anchor the counter to head's own prior sequence rather than
	// decrementing the running counter: later transactions may have
	// already advanced clientSeq past head.cliSeq, and decrementing that
	// would reuse whichever sequence they hold instead of head's own.
	s.clientSeq = head.cliSeq - 1
	s.sendTransaction(head)
	s.waitingForRetry = true
}

func (s *Session) failAll(_ error) {
	for _, t := range s.queue {
		if ch := s.lookupChannel(t.channelID); ch != nil {
			ch.results <- RwResult{TimedOut: true, Base: t.base, Count: t.count, Kind: t.kind}
		}
	}
	s.queue = nil
}

func (s *Session) handleTimerFire() {
	switch s.state {
	case stateConnecting:
		s.handleCnxTimeout()
	case stateConnected:
		if len(s.queue) > 0 {
			s.retryHead()
		}
	}
}

// -- TransportEvents ---------------------------------------------------------

// OnDatagram implements TransportEvents by funneling the datagram through
// the event loop so it is handled serially with every other Session
// operation.
func (s *Session) OnDatagram(b []byte, _ net.Addr) {
	s.post(func() {
		switch s.state {
		case stateConnecting:
			s.handleCnxDatagram(b)
		case stateConnected:
			s.handleConnectedDatagram(b)
		}
	})
}

// OnTimerFire implements TransportEvents.
func (s *Session) OnTimerFire() {
	s.post(s.handleTimerFire)
}

// DumpTrace serializes and compresses the recent-packet debug trace; see
// SPEC_FULL.md's "Trace diagnostics export".
func (s *Session) DumpTrace(codec TraceCodec) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	if !s.post(func() {
		raw := s.trace.serialize()
		data, err := compressTrace(codec, raw)
		resultCh <- result{data, err}
	}) {
		return nil, ErrClosed
	}
	r := <-resultCh
	return r.data, r.err
}
