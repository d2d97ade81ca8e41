package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(bufferSize int) *session {
	return &session{out: make(chan string, bufferSize), closeCh: make(chan struct{})}
}

func TestExtractAccountKey_Valid(t *testing.T) {
	key, ok := extractAccountKey("/accounts/acct-1/updates")

	require.True(t, ok)
	assert.Equal(t, "acct-1", key)
}

func TestExtractAccountKey_RejectsWrongElementCount(t *testing.T) {
	_, ok := extractAccountKey("/accounts/acct-1/updates/extra")
	assert.False(t, ok)

	_, ok = extractAccountKey("/accounts/acct-1")
	assert.False(t, ok)
}

func TestExtractAccountKey_RejectsWrongPrefix(t *testing.T) {
	_, ok := extractAccountKey("/markets/INST/depth")
	assert.False(t, ok)
}

func TestSubscribe_ReplaysRetainedMessageToLateSubscriber(t *testing.T) {
	b := New(nil, nil, 0, 0)
	b.SendRetainedMessage("/markets/INST/depth", `{"bid":1}`)

	s := newTestSession(4)
	b.subscribe(s, "/markets/INST/depth", "sub-1")

	select {
	case msg := <-s.out:
		assert.Contains(t, msg, `{"bid":1}`)
	default:
		t.Fatal("expected retained message to be replayed on subscribe")
	}
}

func TestSendMessage_DoesNotRetain(t *testing.T) {
	b := New(nil, nil, 0, 0)
	b.SendMessage("/accounts/acct-1/updates", `{"x":1}`)

	s := newTestSession(4)
	b.subscribe(s, "/accounts/acct-1/updates", "sub-1")

	select {
	case msg := <-s.out:
		t.Fatalf("expected no replay for a non-retained send, got %q", msg)
	default:
	}
}

func TestFanOut_DropsDeadConsumerWithoutBlocking(t *testing.T) {
	b := New(nil, nil, 0, 0)

	live := newTestSession(4)
	dead := newTestSession(0)

	b.subscribe(live, "/accounts/acct-1/updates", "sub-live")
	b.subscribe(dead, "/accounts/acct-1/updates", "sub-dead")

	assert.NotPanics(t, func() {
		b.SendMessage("/accounts/acct-1/updates", `{"x":1}`)
	})

	select {
	case msg := <-live.out:
		assert.Contains(t, msg, `{"x":1}`)
	default:
		t.Fatal("expected live consumer to receive the message")
	}

	d := b.destinationFor("/accounts/acct-1/updates")
	d.mu.RLock()
	_, stillSubscribed := d.subs[dead]
	_, liveStillSubscribed := d.subs[live]
	d.mu.RUnlock()
	assert.False(t, stillSubscribed, "dead consumer must be evicted from the destination on failed delivery")
	assert.True(t, liveStillSubscribed)
}

func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	b := New(nil, nil, 0, 0)
	s := newTestSession(4)
	b.subscribe(s, "/accounts/acct-1/updates", "sub-1")
	b.unsubscribe(s, "sub-1")

	b.SendMessage("/accounts/acct-1/updates", `{"x":1}`)

	select {
	case msg := <-s.out:
		t.Fatalf("expected no delivery after unsubscribe, got %q", msg)
	default:
	}
}

func TestRemoveSession_ClearsAllSubscriptions(t *testing.T) {
	b := New(nil, nil, 0, 0)
	s := newTestSession(4)
	b.addSession(s)
	b.subscribe(s, "/accounts/acct-1/updates", "sub-1")

	b.removeSession(s)
	b.SendMessage("/accounts/acct-1/updates", `{"x":1}`)

	select {
	case msg := <-s.out:
		t.Fatalf("expected no delivery after session removal, got %q", msg)
	default:
	}
}
