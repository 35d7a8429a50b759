package relay

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anrak-dev/anrak/internal/agent"
	"github.com/anrak-dev/anrak/internal/protocol"
	"github.com/anrak-dev/anrak/internal/session"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	reg := session.NewRegistry(0)
	driver := &agent.Scripted{Lines: []string{"point", "counterpoint"}}
	return NewHub(reg, driver, Options{
		Logger:   log.New(io.Discard, "", 0),
		TurnPace: time.Millisecond,
	})
}

func frame(t *testing.T, kind protocol.Kind, payload any) []byte {
	t.Helper()
	b, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	return b
}

// recv pops the next already-queued frame for a client.
func recv(t *testing.T, c *client) protocol.ServerMessage {
	t.Helper()
	select {
	case b := <-c.send:
		msg, err := protocol.DecodeServer(b)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

// recvWait blocks for frames produced by background goroutines.
func recvWait(t *testing.T, c *client) protocol.ServerMessage {
	t.Helper()
	select {
	case b := <-c.send:
		msg, err := protocol.DecodeServer(b)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func drain(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func createSession(t *testing.T, h *Hub, settings session.Settings) (*client, string) {
	t.Helper()
	host := newClient(h, nil)
	h.handle(host, frame(t, protocol.KindCreateSession, protocol.CreateSession{
		HostID: "host-1", HostName: "Ana", Settings: settings,
	}))
	created, ok := recv(t, host).(*protocol.SessionCreated)
	require.True(t, ok)
	return host, created.PIN
}

func joinSession(t *testing.T, h *Hub, pin, id, name string, role session.Role) *client {
	t.Helper()
	c := newClient(h, nil)
	h.handle(c, frame(t, protocol.KindJoinSession, protocol.JoinSession{
		PIN: pin, ParticipantID: id, ParticipantName: name, Role: role,
	}))
	_, ok := recv(t, c).(*protocol.SessionJoined)
	require.True(t, ok)
	return c
}

func TestCreateAndJoinFlow(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{MaxParticipants: 4})
	require.Regexp(t, `^[0-9]{6}$`, pin)

	joiner := newClient(h, nil)
	h.handle(joiner, frame(t, protocol.KindJoinSession, protocol.JoinSession{
		PIN: pin, ParticipantID: "p-2", ParticipantName: "Ben",
	}))

	joined, ok := recv(t, joiner).(*protocol.SessionJoined)
	require.True(t, ok)
	assert.Equal(t, "Ana", joined.HostName)
	assert.Len(t, joined.Participants, 2)

	// existing connections learn about the newcomer; the joiner does not
	// get a duplicate notification
	notice, ok := recv(t, host).(*protocol.ParticipantJoined)
	require.True(t, ok)
	assert.Equal(t, "p-2", notice.Participant.ID)
	select {
	case <-joiner.send:
		t.Fatal("joiner should not receive its own join broadcast")
	default:
	}
}

func TestJoinUnknownPIN(t *testing.T) {
	h := testHub(t)
	c := newClient(h, nil)
	h.handle(c, frame(t, protocol.KindJoinSession, protocol.JoinSession{
		PIN: "000000", ParticipantID: "p-2", ParticipantName: "Ben",
	}))
	e, ok := recv(t, c).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "SESSION_NOT_FOUND", e.Code)
}

func TestJoinFullSession(t *testing.T) {
	h := testHub(t)
	_, pin := createSession(t, h, session.Settings{MaxParticipants: 2})
	joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)

	third := newClient(h, nil)
	h.handle(third, frame(t, protocol.KindJoinSession, protocol.JoinSession{
		PIN: pin, ParticipantID: "p-3", ParticipantName: "Cam",
	}))
	e, ok := recv(t, third).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "SESSION_FULL", e.Code)
}

func TestObserverJoinRequiresSetting(t *testing.T) {
	h := testHub(t)
	_, pin := createSession(t, h, session.Settings{AllowObservers: false})

	v := newClient(h, nil)
	h.handle(v, frame(t, protocol.KindJoinSession, protocol.JoinSession{
		PIN: pin, ParticipantID: "v-1", ParticipantName: "Viv", Role: session.RoleObserver,
	}))
	e, ok := recv(t, v).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "OBSERVERS_DISABLED", e.Code)
}

func TestBroadcastOrderingPerSession(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{AllowObservers: true})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	v1 := joinSession(t, h, pin, "v-1", "Viv", session.RoleObserver)
	drain(host)
	drain(p2)

	h.broadcast(pin, protocol.KindChatMessage, protocol.ChatMessage{PIN: pin, Content: "m1"})
	h.broadcast(pin, protocol.KindChatMessage, protocol.ChatMessage{PIN: pin, Content: "m2"})

	for _, c := range []*client{host, p2, v1} {
		first, ok := recv(t, c).(*protocol.ChatMessage)
		require.True(t, ok)
		second, ok := recv(t, c).(*protocol.ChatMessage)
		require.True(t, ok)
		assert.Equal(t, "m1", first.Content)
		assert.Equal(t, "m2", second.Content)
	}
}

func TestHostDisconnectEndsSession(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	h.detach(host)

	ended, ok := recv(t, p2).(*protocol.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, "host_disconnected", ended.Reason)

	_, err := h.reg.Get(pin)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestParticipantDisconnectBroadcastsLeft(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	h.detach(p2)

	left, ok := recv(t, host).(*protocol.ParticipantLeft)
	require.True(t, ok)
	assert.Equal(t, "p-2", left.ParticipantID)

	_, err := h.reg.Get(pin)
	assert.NoError(t, err, "participant loss must not end the session")
}

func TestRejoinReplaysAuthoritativeState(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	sess, err := h.reg.Get(pin)
	require.NoError(t, err)
	require.NoError(t, sess.Start("host-1", session.SetupData{ModelA: "a", ModelB: "b"}))
	for i := 0; i < 3; i++ {
		_, err := sess.RecordExchange()
		require.NoError(t, err)
	}

	h.detach(p2)
	drain(host)

	back := newClient(h, nil)
	h.handle(back, frame(t, protocol.KindRejoinSession, protocol.RejoinSession{
		PIN: pin, ParticipantID: "p-2",
	}))

	state, ok := recv(t, back).(*protocol.SessionState)
	require.True(t, ok)
	assert.Equal(t, 3, state.Snapshot.ExchangeCount)
	assert.Equal(t, session.StatusActive, state.Snapshot.Status)
	assert.Len(t, state.Snapshot.Participants, 2)
}

func TestInterventionAuthorizationEnforcedServerSide(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{InterventionPolicy: session.PolicyHostOnly})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	sess, err := h.reg.Get(pin)
	require.NoError(t, err)
	require.NoError(t, sess.Start("host-1", session.SetupData{ModelA: "a", ModelB: "b"}))
	for i := 0; i < 10; i++ {
		_, err := sess.RecordExchange()
		require.NoError(t, err)
	}
	require.True(t, sess.AwaitingIntervention())

	h.handle(p2, frame(t, protocol.KindSubmitIntervention, protocol.SubmitIntervention{
		PIN: pin, Content: "trust me",
	}))
	e, ok := recv(t, p2).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "NOT_AUTHORIZED", e.Code)
	assert.True(t, sess.AwaitingIntervention())

	// the host's submission lands
	h.handle(host, frame(t, protocol.KindSubmitIntervention, protocol.SubmitIntervention{
		PIN: pin, Content: "Consider the budget impact",
	}))
	sub, ok := recv(t, host).(*protocol.InterventionSubmitted)
	require.True(t, ok)
	assert.Equal(t, "Consider the budget impact", sub.Content)
	assert.Equal(t, "host-1", sub.AuthorID)
	assert.False(t, sess.AwaitingIntervention())
}

func TestVoteProposalBroadcastCarriesSnapshot(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{InterventionPolicy: session.PolicyVote})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	p3 := joinSession(t, h, pin, "p-3", "Cam", session.RoleParticipant)
	drain(host)
	drain(p2)

	sess, err := h.reg.Get(pin)
	require.NoError(t, err)
	require.NoError(t, sess.Start("host-1", session.SetupData{ModelA: "a", ModelB: "b"}))
	for i := 0; i < 10; i++ {
		_, err := sess.RecordExchange()
		require.NoError(t, err)
	}

	h.handle(p2, frame(t, protocol.KindSubmitIntervention, protocol.SubmitIntervention{
		PIN: pin, Content: "push for numbers",
	}))

	// every roster member sees the same pending proposal state
	for _, c := range []*client{host, p2, p3} {
		update, ok := recv(t, c).(*protocol.InterventionVoteState)
		require.True(t, ok)
		assert.Equal(t, "push for numbers", update.Proposal.Content)
		assert.Equal(t, "p-2", update.Proposal.ProposerID)
		assert.Equal(t, 1, update.Proposal.Approvals)
		assert.Equal(t, 2, update.Proposal.Needed)
		assert.False(t, update.Resolved)
	}
	assert.True(t, sess.AwaitingIntervention())
}

func TestChatIsSideChannelOnly(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{AllowObservers: true})
	v1 := joinSession(t, h, pin, "v-1", "Viv", session.RoleObserver)
	drain(host)

	sess, err := h.reg.Get(pin)
	require.NoError(t, err)
	require.NoError(t, sess.Start("host-1", session.SetupData{ModelA: "a", ModelB: "b"}))
	before := sess.ExchangeCount()

	h.handle(v1, frame(t, protocol.KindChatMessage, protocol.ChatMessage{
		PIN: pin, Content: "rooting for model-b",
	}))

	chat, ok := recv(t, host).(*protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "Viv", chat.AuthorName)
	assert.Equal(t, "v-1", chat.AuthorID)
	assert.Equal(t, before, sess.ExchangeCount(), "chat must not advance the conversation")
}

func TestEndSessionIsHostOnly(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	h.handle(p2, frame(t, protocol.KindEndSession, protocol.EndSession{PIN: pin}))
	e, ok := recv(t, p2).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "NOT_AUTHORIZED", e.Code)

	h.handle(host, frame(t, protocol.KindEndSession, protocol.EndSession{PIN: pin}))
	ended, ok := recv(t, p2).(*protocol.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, "host_ended", ended.Reason)
}

func TestHostBroadcastMessage(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})
	p2 := joinSession(t, h, pin, "p-2", "Ben", session.RoleParticipant)
	drain(host)

	h.handle(p2, frame(t, protocol.KindBroadcastMessage, protocol.BroadcastMessage{
		PIN: pin, Message: "not allowed", SenderID: "p-2", SenderName: "Ben",
	}))
	e, ok := recv(t, p2).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "NOT_AUTHORIZED", e.Code)

	h.handle(host, frame(t, protocol.KindBroadcastMessage, protocol.BroadcastMessage{
		PIN: pin, Message: "welcome everyone", SenderID: "host-1", SenderName: "Ana",
	}))
	msg, ok := recv(t, p2).(*protocol.TurnMessage)
	require.True(t, ok)
	assert.Equal(t, "host", msg.Message.Sender)
	assert.Equal(t, "welcome everyone", msg.Message.Content)
}

func TestStartConversationDrivesAgents(t *testing.T) {
	h := testHub(t)
	host, pin := createSession(t, h, session.Settings{})

	h.handle(host, frame(t, protocol.KindStartConversation, protocol.StartConversation{
		PIN: pin,
		SetupData: session.SetupData{
			ModelA: "test/a", ModelB: "test/b",
			InitialPrompt: "Debate the four-day work week.",
		},
	}))

	started, ok := recvWait(t, host).(*protocol.SessionStarted)
	require.True(t, ok)
	assert.Equal(t, pin, started.PIN)

	seed, ok := recvWait(t, host).(*protocol.TurnMessage)
	require.True(t, ok)
	assert.Equal(t, "system", seed.Message.Sender)

	first, ok := recvWait(t, host).(*protocol.TurnMessage)
	require.True(t, ok)
	assert.Equal(t, "model-a", first.Message.Sender)

	second, ok := recvWait(t, host).(*protocol.TurnMessage)
	require.True(t, ok)
	assert.Equal(t, "model-b", second.Message.Sender)

	h.endSession(pin, "test_done")
}

func TestBadFrameGetsErrorReply(t *testing.T) {
	h := testHub(t)
	c := newClient(h, nil)
	h.handle(c, []byte(`{"type": "launch_missiles"}`))
	e, ok := recv(t, c).(*protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "BAD_MESSAGE", e.Code)
}

func TestListSessionsOverWire(t *testing.T) {
	h := testHub(t)
	_, pin := createSession(t, h, session.Settings{})

	c := newClient(h, nil)
	h.handle(c, frame(t, protocol.KindListSessions, protocol.ListSessions{}))
	list, ok := recv(t, c).(*protocol.SessionList)
	require.True(t, ok)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, pin, list.Sessions[0].PIN)
}
