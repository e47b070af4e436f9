package gemini

import (
	"testing"
	"time"
)

var testAuthKey = []byte("shared-secret-key")

func buildAuthedCnxAck(t *testing.T, key []byte, maxWords, pipelineDepth, connID uint32) []byte {
	t.Helper()
	msg := buildCnxAck(maxWords, pipelineDepth, connID)
	tag, err := computeAuthTag(key, msg)
	if err != nil {
		t.Fatalf("computeAuthTag: %v", err)
	}
	return append(msg, tag...)
}

func TestConnectWithAuthKeySucceedsOnMatchingTag(t *testing.T) {
	s, ft := newTestSession(t, PeerConfig{Timeout: time.Millisecond, MaxRetries: 3}, WithAuthKey(testAuthKey))
	resultCh := s.Connect()
	flush(s)

	ft.deliver(buildAuthedCnxAck(t, testAuthKey, 1990, 8, 0xABCD))

	select {
	case r := <-resultCh:
		if r != ConnectOK {
			t.Fatalf("connect result = %v, want ConnectOK", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect result")
	}

	flush(s)
	if s.maxPayloadWords != 1984 {
		t.Errorf("maxPayloadWords = %d, want 1984 (workaround)", s.maxPayloadWords)
	}
}

func TestConnectWithAuthKeyRejectsMissingTag(t *testing.T) {
	s, ft := newTestSession(t, PeerConfig{Timeout: time.Millisecond, MaxRetries: 3}, WithAuthKey(testAuthKey))
	resultCh := s.Connect()
	flush(s)

	// No tag appended at all: the session must discard the CNX-ACK and
	// remain armed rather than connect unauthenticated.
	ft.deliver(buildCnxAck(1990, 8, 0xABCD))
	flush(s)

	select {
	case r := <-resultCh:
		t.Fatalf("got premature connect result %v with no auth tag present", r)
	default:
	}
	if s.state != stateConnecting {
		t.Errorf("state = %v, want stateConnecting (still armed)", s.state)
	}

	// A subsequent, correctly authenticated CNX-ACK still succeeds.
	ft.deliver(buildAuthedCnxAck(t, testAuthKey, 1990, 8, 0xABCD))
	select {
	case r := <-resultCh:
		if r != ConnectOK {
			t.Fatalf("connect result = %v, want ConnectOK", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect result")
	}
}

func TestConnectWithAuthKeyRejectsInvalidTag(t *testing.T) {
	s, ft := newTestSession(t, PeerConfig{Timeout: time.Millisecond, MaxRetries: 3}, WithAuthKey(testAuthKey))
	resultCh := s.Connect()
	flush(s)

	wrongKey := []byte("not-the-shared-secret")
	ft.deliver(buildAuthedCnxAck(t, wrongKey, 1990, 8, 0xABCD))
	flush(s)

	select {
	case r := <-resultCh:
		t.Fatalf("got premature connect result %v with an invalid auth tag", r)
	default:
	}
	if s.state != stateConnecting {
		t.Errorf("state = %v, want stateConnecting (still armed)", s.state)
	}
}
