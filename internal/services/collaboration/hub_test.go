package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-collab/internal/crdt"
	"code-collab/internal/models"
)

// newTestConn builds a connection without a socket; frames land in the
// send queue where tests can inspect them.
func newTestConn(h *Hub) *Conn {
	return &Conn{
		ID:          ksuid.New().String(),
		send:        make(chan []byte, sendBuffer),
		hub:         h,
		connectedAt: time.Now(),
	}
}

func startHub(t *testing.T) (*Registry, *Hub) {
	t.Helper()
	registry := NewRegistry(time.Hour)
	hub := NewHub(registry)
	hub.Start()
	t.Cleanup(hub.Shutdown)
	return registry, hub
}

// recvEvent waits for the next frame queued to c and decodes the envelope.
func recvEvent(t *testing.T, c *Conn) *models.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return &env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected event queued: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestJoinDeliversSessionStateToJoinerOnly(t *testing.T) {
	registry, hub := startHub(t)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	first := newTestConn(hub)
	hub.Join(first, s.ID, "alice")
	env := recvEvent(t, first)
	require.Equal(t, models.EventSessionState, env.Event)

	second := newTestConn(hub)
	hub.Join(second, s.ID, "bob")

	env = recvEvent(t, second)
	require.Equal(t, models.EventSessionState, env.Event)
	var state models.SessionStatePayload
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, s.ID, state.SessionID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, state.Participants)

	// The peer never sees someone else's session_state.
	assertNoEvent(t, first)
}

func TestJoinUntrackedSessionStillJoinsRoom(t *testing.T) {
	_, hub := startHub(t)

	c := newTestConn(hub)
	hub.Join(c, "ws-only-session", "alice")

	// No metadata, so no session_state - but the room exists for
	// broadcast and document sync.
	assertNoEvent(t, c)
	assert.True(t, hub.HasConnections("ws-only-session"))
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	registry, hub := startHub(t)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice) // session_state
	recvEvent(t, bob)   // session_state

	hub.Leave(bob)

	env := recvEvent(t, alice)
	require.Equal(t, models.EventUserLeft, env.Event)
	var presence models.PresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, "bob", presence.UserID)
	assert.Equal(t, 1, presence.ParticipantCount)

	meta, err := registry.DescribeSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, meta.Participants)
}

func TestLeaveNeverJoinedConn(t *testing.T) {
	_, hub := startHub(t)

	c := newTestConn(hub)
	hub.Leave(c) // must not panic or deadlock

	_, open := <-c.send
	assert.False(t, open, "send queue should be closed")
}

func TestBroadcastToEmptySessionIsNoOp(t *testing.T) {
	_, hub := startHub(t)
	hub.Broadcast("ghost-session", []byte(`{}`), nil)
	// Nothing to assert beyond "does not block or panic"; give the loop a
	// beat to process it.
	time.Sleep(50 * time.Millisecond)
}

func TestCursorBroadcastExcludesSender(t *testing.T) {
	registry, hub := startHub(t)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	hub.BroadcastCursor(alice, &models.CursorPayload{
		SessionID: s.ID,
		UserID:    "alice",
		Position:  json.RawMessage(`{"line":3,"column":14}`),
	})

	env := recvEvent(t, bob)
	require.Equal(t, models.EventCursorUpdated, env.Event)
	var cursor models.CursorUpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &cursor))
	assert.Equal(t, "alice", cursor.UserID)
	assert.JSONEq(t, `{"line":3,"column":14}`, string(cursor.Position))
	assert.False(t, cursor.Timestamp.IsZero())

	assertNoEvent(t, alice)
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	registry, hub := startHub(t)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	hub.BroadcastChat(&models.ChatPayload{
		SessionID: s.ID,
		UserID:    "alice",
		Message:   "ship it",
	})

	for _, c := range []*Conn{alice, bob} {
		env := recvEvent(t, c)
		require.Equal(t, models.EventChatMessage, env.Event)
		var msg models.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "ship it", msg.Message)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestRejoinMovesConnectionBetweenRooms(t *testing.T) {
	registry, hub := startHub(t)
	first := registry.CreateSession("alice", &models.SessionCreate{})
	second := registry.CreateSession("bob", &models.SessionCreate{})

	stayer := newTestConn(hub)
	hub.Join(stayer, first.ID, "alice")
	recvEvent(t, stayer)

	mover := newTestConn(hub)
	hub.Join(mover, first.ID, "carol")
	recvEvent(t, mover)

	// Moving to another session detaches from the old room and announces
	// the departure there.
	hub.Join(mover, second.ID, "carol")
	recvEvent(t, mover) // second session's state

	env := recvEvent(t, stayer)
	require.Equal(t, models.EventUserLeft, env.Event)
	var presence models.PresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, "carol", presence.UserID)

	meta, err := registry.DescribeSession(first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, meta.Participants)

	// The mover disconnects. Broadcasting to its old room afterwards
	// must reach the remaining member and never touch the dead queue.
	hub.Leave(mover)
	hub.Broadcast(first.ID, []byte(`{"event":"chat_message"}`), nil)

	env = recvEvent(t, stayer)
	assert.Equal(t, models.EventChatMessage, env.Event)
}

func TestSendAfterEvictionDoesNotPanic(t *testing.T) {
	registry, hub := startHub(t)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	slow := newTestConn(hub)
	hub.Join(slow, s.ID, "alice")
	recvEvent(t, slow)

	// Jam the outbound queue so the next broadcast evicts the connection.
	for i := 0; i < sendBuffer; i++ {
		slow.send <- []byte("backlog")
	}
	hub.Broadcast(s.ID, []byte("overflow"), nil)

	require.Eventually(t, func() bool {
		return !hub.HasConnections(s.ID)
	}, 2*time.Second, 10*time.Millisecond)

	// A handler replying to this connection after the eviction drops the
	// frame instead of panicking on the closed queue.
	slow.sendEvent(models.EventSyncStep2, &models.SyncStep2Payload{SessionID: s.ID})
	assert.False(t, slow.queue([]byte("late")))
}

func TestSyncStep1EmptyVectorBootstraps(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	// Seed the server-side document.
	doc := registry.GetOrCreateDocument(s.ID)
	_, err := doc.Insert(7, 0, "hello")
	require.NoError(t, err)

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	sync.HandleSyncStep1(context.Background(), alice, &models.SyncStep1Payload{
		SessionID: s.ID,
	})

	env := recvEvent(t, alice)
	require.Equal(t, models.EventSyncStep2, env.Event)
	var step2 models.SyncStep2Payload
	require.NoError(t, json.Unmarshal(env.Data, &step2))
	assert.Equal(t, s.ID, step2.SessionID)

	replica := crdt.NewDocument()
	require.NoError(t, replica.ApplyUpdate(step2.Update))
	assert.Equal(t, "hello", replica.Text())

	// Step 2 goes to the requester only.
	assertNoEvent(t, bob)
}

func TestSyncStep1MalformedVectorFallsBackToFullState(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	doc := registry.GetOrCreateDocument(s.ID)
	_, err := doc.Insert(7, 0, "resilient")
	require.NoError(t, err)

	alice := newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	recvEvent(t, alice)

	sync.HandleSyncStep1(context.Background(), alice, &models.SyncStep1Payload{
		SessionID:   s.ID,
		StateVector: models.BinaryPayload{0xff, 0xff, 0xff},
	})

	env := recvEvent(t, alice)
	require.Equal(t, models.EventSyncStep2, env.Event)
	var step2 models.SyncStep2Payload
	require.NoError(t, json.Unmarshal(env.Data, &step2))

	replica := crdt.NewDocument()
	require.NoError(t, replica.ApplyUpdate(step2.Update))
	assert.Equal(t, "resilient", replica.Text())
}

func TestUpdateMergesAndBroadcastsExcludingSender(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	client := crdt.NewDocument()
	update, err := client.Insert(1, 0, "hello")
	require.NoError(t, err)

	sync.HandleUpdate(context.Background(), alice, &models.UpdatePayload{
		SessionID: s.ID,
		Update:    models.BinaryPayload(update),
	})

	assert.Equal(t, "hello", registry.GetOrCreateDocument(s.ID).Text())

	env := recvEvent(t, bob)
	require.Equal(t, models.EventUpdate, env.Event)
	var relayed models.UpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &relayed))

	replica := crdt.NewDocument()
	require.NoError(t, replica.ApplyUpdate(relayed.Update))
	assert.Equal(t, "hello", replica.Text())

	// No self-echo.
	assertNoEvent(t, alice)
}

func TestEmptyUpdateIsIgnored(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	sync.HandleUpdate(context.Background(), alice, &models.UpdatePayload{
		SessionID: s.ID,
		Update:    models.BinaryPayload{},
	})

	assert.Equal(t, "", registry.GetOrCreateDocument(s.ID).Text())
	assertNoEvent(t, bob)
}

func TestUndecodableUpdateIsDroppedNotBroadcast(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	s := registry.CreateSession("alice", &models.SessionCreate{})

	alice, bob := newTestConn(hub), newTestConn(hub)
	hub.Join(alice, s.ID, "alice")
	hub.Join(bob, s.ID, "bob")
	recvEvent(t, alice)
	recvEvent(t, bob)

	sync.HandleUpdate(context.Background(), alice, &models.UpdatePayload{
		SessionID: s.ID,
		Update:    models.BinaryPayload{0x01, 'z', 0xde, 0xad},
	})

	assert.Equal(t, "", registry.GetOrCreateDocument(s.ID).Text())
	assertNoEvent(t, bob)
}

func TestSessionIsolationUnderTraffic(t *testing.T) {
	registry, hub := startHub(t)
	sync := NewSyncHandler(registry, hub)
	a := registry.CreateSession("alice", &models.SessionCreate{})
	b := registry.CreateSession("bob", &models.SessionCreate{})

	inA, inB := newTestConn(hub), newTestConn(hub)
	hub.Join(inA, a.ID, "alice")
	hub.Join(inB, b.ID, "bob")
	recvEvent(t, inA)
	recvEvent(t, inB)

	clientA := crdt.NewDocument()
	updateA, err := clientA.Insert(1, 0, "session A text")
	require.NoError(t, err)
	clientB := crdt.NewDocument()
	updateB, err := clientB.Insert(2, 0, "session B text")
	require.NoError(t, err)

	sync.HandleUpdate(context.Background(), inA, &models.UpdatePayload{SessionID: a.ID, Update: models.BinaryPayload(updateA)})
	sync.HandleUpdate(context.Background(), inB, &models.UpdatePayload{SessionID: b.ID, Update: models.BinaryPayload(updateB)})

	assert.Equal(t, "session A text", registry.GetOrCreateDocument(a.ID).Text())
	assert.Equal(t, "session B text", registry.GetOrCreateDocument(b.ID).Text())

	// Neither room saw the other's update.
	assertNoEvent(t, inA)
	assertNoEvent(t, inB)
}
