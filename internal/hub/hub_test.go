package hub

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixmate/remixd/internal/event"
)

// fakeConn buffers envelopes like the real WebSocket client does.
type fakeConn struct {
	id     string
	userID string
	out    chan event.Envelope
}

func newFakeConn(id, userID string, buffer int) *fakeConn {
	return &fakeConn{id: id, userID: userID, out: make(chan event.Envelope, buffer)}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(env event.Envelope) bool {
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

func (c *fakeConn) drain() []event.Envelope {
	var envs []event.Envelope
	for {
		select {
		case env := <-c.out:
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func TestBroadcast_IncludesAllConnections(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)
	bob := newFakeConn("c2", "bob", 8)

	h.Bind("ABCD", alice)
	h.Bind("ABCD", bob)

	h.Broadcast("ABCD", event.Outbound(event.UserJoined, nil))

	require.Len(t, alice.drain(), 1)
	require.Len(t, bob.drain(), 1)
}

func TestBroadcastExcept_SkipsOriginator(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)
	bob := newFakeConn("c2", "bob", 8)

	h.Bind("ABCD", alice)
	h.Bind("ABCD", bob)

	h.BroadcastExcept("ABCD", alice.ID(), event.Outbound(event.SyncBPM, event.SyncBPMPayload{BPM: 140}))

	assert.Empty(t, alice.drain(), "originator must not receive a self-echo")
	require.Len(t, bob.drain(), 1)
}

func TestBroadcast_DoesNotCrossSessions(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)
	carol := newFakeConn("c3", "carol", 8)

	h.Bind("ABCD", alice)
	h.Bind("WXYZ", carol)

	h.Broadcast("ABCD", event.Outbound(event.UserJoined, nil))

	require.Len(t, alice.drain(), 1)
	assert.Empty(t, carol.drain())
}

func TestBind_SecondCodeRebinds(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)

	prev := h.Bind("ABCD", alice)
	assert.Empty(t, prev)

	prev = h.Bind("WXYZ", alice)
	assert.Equal(t, "ABCD", prev)

	h.Broadcast("ABCD", event.Outbound(event.UserJoined, nil))
	assert.Empty(t, alice.drain(), "connection must no longer receive old session events")

	code, ok := h.Session(alice.ID())
	require.True(t, ok)
	assert.Equal(t, "WXYZ", code)
}

func TestBind_SameCodeIsStable(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)

	h.Bind("ABCD", alice)
	prev := h.Bind("ABCD", alice)
	assert.Empty(t, prev)

	h.Broadcast("ABCD", event.Outbound(event.UserJoined, nil))
	assert.Len(t, alice.drain(), 1, "rebinding the same code must not duplicate delivery")
}

func TestUnbind_UnknownConnectionIsNoOp(t *testing.T) {
	h := New(zerolog.Nop())

	_, ok := h.Unbind("nope")
	assert.False(t, ok)
}

func TestUnbind_ReturnsBoundCode(t *testing.T) {
	h := New(zerolog.Nop())
	alice := newFakeConn("c1", "alice", 8)
	h.Bind("ABCD", alice)

	code, ok := h.Unbind(alice.ID())
	require.True(t, ok)
	assert.Equal(t, "ABCD", code)

	h.Broadcast("ABCD", event.Outbound(event.UserJoined, nil))
	assert.Empty(t, alice.drain())
}

func TestBroadcast_FullPeerBufferIsSkipped(t *testing.T) {
	h := New(zerolog.Nop())
	slow := newFakeConn("c1", "alice", 1)
	fast := newFakeConn("c2", "bob", 8)

	h.Bind("ABCD", slow)
	h.Bind("ABCD", fast)

	// the second broadcast overflows the slow peer but must still reach bob
	h.Broadcast("ABCD", event.Outbound(event.SyncBPM, event.SyncBPMPayload{BPM: 120}))
	h.Broadcast("ABCD", event.Outbound(event.SyncBPM, event.SyncBPMPayload{BPM: 130}))

	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 2)
}
