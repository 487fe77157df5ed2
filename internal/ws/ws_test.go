package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mixmate/remixd/internal/event"
	"github.com/mixmate/remixd/internal/hub"
	"github.com/mixmate/remixd/internal/registry"
	"github.com/mixmate/remixd/internal/router"
	"github.com/mixmate/remixd/internal/store/storetest"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mem := storetest.New()
	reg := registry.New(mem, time.Second, zerolog.Nop())
	h := hub.New(zerolog.Nop())
	rt := router.New(reg, h, zerolog.Nop())

	ts := httptest.NewServer(NewHandler(rt, 32, zerolog.Nop()))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?userId=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(event.Envelope{Event: eventType, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readEvent(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestWebSocket_RequiresIdentity(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWebSocket_SessionFlow(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	ts := newTestServer(t)
	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	sendEvent(t, alice, event.JoinSession, event.JoinPayload{SessionCode: "ABCD", UserID: "alice"})
	env := readEvent(t, alice)
	require.Equal(t, event.UserJoined, env.Event)

	sendEvent(t, bob, event.JoinSession, event.JoinPayload{SessionCode: "ABCD", UserID: "bob"})
	env = readEvent(t, bob)
	require.Equal(t, event.UserJoined, env.Event)

	env = readEvent(t, alice)
	require.Equal(t, event.UserJoined, env.Event)
	var membership event.MembershipPayload
	require.NoError(t, json.Unmarshal(env.Data, &membership))
	assert.Equal(t, []string{"alice", "bob"}, membership.Users)

	// tempo change syncs to bob but never echoes back to alice
	sendEvent(t, alice, event.BPMChange, event.BPMPayload{SessionCode: "ABCD", BPM: 140})
	env = readEvent(t, bob)
	require.Equal(t, event.SyncBPM, env.Event)
	var bpm event.SyncBPMPayload
	require.NoError(t, json.Unmarshal(env.Data, &bpm))
	assert.Equal(t, 140, bpm.BPM)

	// bob's ready-up is the next frame alice sees: no sync-bpm in between
	sendEvent(t, bob, event.UserReady, event.ReadyPayload{SessionCode: "ABCD", UserID: "bob"})
	env = readEvent(t, alice)
	require.Equal(t, event.UserReadyUpdate, env.Event)
	var ready event.ReadyUpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &ready))
	assert.Equal(t, []string{"bob"}, ready.ReadyUsers)

	// abrupt disconnect still removes bob and notifies alice
	require.NoError(t, bob.Close())
	env = readEvent(t, alice)
	require.Equal(t, event.UserLeft, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, &membership))
	assert.Equal(t, "bob", membership.UserID)
	assert.Equal(t, []string{"alice"}, membership.Users)

	require.NoError(t, alice.Close())
	ts.Close()

	// both pump goroutines per connection must have exited
	goleak.VerifyNone(t, ignore)
}

func TestWebSocket_ErrorGoesToOriginatorOnly(t *testing.T) {
	ts := newTestServer(t)
	alice := dial(t, ts, "alice")

	sendEvent(t, alice, event.SelectStem, event.SelectStemPayload{
		SessionCode: "ZZZZ", UserID: "alice", StemID: "drums-1", StemType: "drums",
	})

	env := readEvent(t, alice)
	require.Equal(t, event.Error, env.Event)
	var p event.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "session_not_found", p.Code)
}
