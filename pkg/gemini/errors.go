package gemini

import "fmt"

// Sentinel errors naming the Session's terminal conditions. Callers compare
// with errors.Is. Of these, only ErrClosed is returned by a Session method
// (DumpTrace); connect outcomes are reported as ConnectResult values and
// request failures as RwResults with TimedOut set.
var (
	// ErrNotConnected names a request submitted while the session is not in
	// the CONNECTED state. Channel.RW reports that case as a TimedOut
	// RwResult; no method returns this error.
	ErrNotConnected = fmt.Errorf("gemini: session is not connected")

	// ErrSessionFailed names the transition to FAILED after exhausting
	// retries on the head transaction. That transition is signalled by
	// closing the Failed channel; no method returns this error.
	ErrSessionFailed = fmt.Errorf("gemini: session failed after exhausting retries")

	// ErrConnectTimeout names the condition Connect reports as
	// ConnectTimeout: no CNX-ACK within the configured retry budget.
	ErrConnectTimeout = fmt.Errorf("gemini: connect timed out")

	// ErrConnectRejectTemp names the condition Connect reports as
	// ConnectFailTemp: a CNX NACKT.
	ErrConnectRejectTemp = fmt.Errorf("gemini: connect rejected (temporary)")

	// ErrConnectRejectPerm names the condition Connect reports as
	// ConnectFailPerm: a CNX NACKP.
	ErrConnectRejectPerm = fmt.Errorf("gemini: connect rejected (permanent)")

	// ErrClosed is returned by DumpTrace when called after Session.Close.
	ErrClosed = fmt.Errorf("gemini: session closed")
)

// OversizeError is returned by Transport.SendDatagram when an outbound
// datagram exceeds the negotiated maximum.
type OversizeError struct {
	Len   int
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("gemini: outbound datagram of %d bytes exceeds limit of %d bytes", e.Len, e.Limit)
}
