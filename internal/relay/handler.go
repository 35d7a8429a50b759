package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/anrak-dev/anrak/internal/agent"
	"github.com/anrak-dev/anrak/internal/protocol"
	"github.com/anrak-dev/anrak/internal/session"
)

// Authorization and validation happen here, server-side; clients only
// pre-filter for UX.
func (h *Hub) handle(c *client, data []byte) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		h.sendErr(c, "BAD_MESSAGE", err.Error())
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		h.sendTo(c, protocol.KindPong, protocol.Pong{})
	case *protocol.CreateSession:
		h.handleCreate(c, m)
	case *protocol.JoinSession:
		h.handleJoin(c, m)
	case *protocol.RejoinSession:
		h.handleRejoin(c, m)
	case *protocol.StartConversation:
		h.handleStart(c, m)
	case *protocol.BroadcastMessage:
		h.handleBroadcastMessage(c, m)
	case *protocol.SubmitIntervention:
		h.handleSubmit(c, m)
	case *protocol.SkipIntervention:
		h.handleSkip(c, m)
	case *protocol.InterventionVote:
		h.handleVote(c, m)
	case *protocol.ChatMessage:
		h.handleChat(c, m)
	case *protocol.EndSession:
		h.handleEnd(c, m)
	case *protocol.ListSessions:
		h.sendTo(c, protocol.KindSessionList, protocol.SessionList{Sessions: h.reg.List()})
	default:
		// DecodeClient only returns members of the closed union.
		h.sendErr(c, "BAD_MESSAGE", "unhandled message")
	}
}

func (h *Hub) handleCreate(c *client, m *protocol.CreateSession) {
	if m.HostID == "" || m.HostName == "" {
		h.sendErr(c, "BAD_REQUEST", "hostId and hostName are required")
		return
	}
	sess, err := h.reg.Create(m.HostID, m.HostName, m.Settings)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	c.participantID = m.HostID
	c.pin = sess.PIN()
	h.attach(sess.PIN(), c)
	h.sendTo(c, protocol.KindSessionCreated, protocol.SessionCreated{
		PIN:      sess.PIN(),
		Settings: sess.Settings(),
	})
	h.logger.Printf("session %s created by %s", sess.PIN(), m.HostName)
}

func (h *Hub) handleJoin(c *client, m *protocol.JoinSession) {
	if m.PIN == "" || m.ParticipantID == "" || m.ParticipantName == "" {
		h.sendErr(c, "BAD_REQUEST", "pin, participantId and participantName are required")
		return
	}
	sess, err := h.reg.Get(m.PIN)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	if err := h.reg.Reserve(m.ParticipantID, m.PIN); err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	p, err := sess.Join(m.ParticipantID, m.ParticipantName, m.Role)
	if err != nil {
		h.reg.Release(m.ParticipantID, m.PIN)
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	c.participantID = m.ParticipantID
	c.pin = m.PIN
	h.attach(m.PIN, c)

	h.sendTo(c, protocol.KindSessionJoined, protocol.SessionJoined{
		PIN:          m.PIN,
		HostName:     sess.HostName(),
		Participants: sess.Participants(),
		Settings:     sess.Settings(),
	})
	h.broadcastExcept(m.PIN, m.ParticipantID, protocol.KindParticipantJoined, protocol.ParticipantJoined{Participant: p})
}

func (h *Hub) handleRejoin(c *client, m *protocol.RejoinSession) {
	if m.PIN == "" || m.ParticipantID == "" {
		h.sendErr(c, "BAD_REQUEST", "pin and participantId are required")
		return
	}
	sess, err := h.reg.Get(m.PIN)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	snap, err := sess.Rejoin(m.ParticipantID)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	c.participantID = m.ParticipantID
	c.pin = m.PIN
	h.attach(m.PIN, c)

	// Replay is authoritative over anything a stale connection delivered.
	h.sendTo(c, protocol.KindSessionState, protocol.SessionState{Snapshot: snap})
	for _, p := range snap.Participants {
		if p.ID == m.ParticipantID {
			h.broadcastExcept(m.PIN, m.ParticipantID, protocol.KindParticipantJoined, protocol.ParticipantJoined{Participant: p})
			break
		}
	}
}

func (h *Hub) handleStart(c *client, m *protocol.StartConversation) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	if err := sess.Start(c.participantID, m.SetupData); err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	h.broadcast(sess.PIN(), protocol.KindSessionStarted, protocol.SessionStarted{
		PIN:       sess.PIN(),
		SetupData: m.SetupData,
	})

	ctx, cancel := context.WithCancel(context.Background())
	rm := h.roomFor(sess.PIN())
	rm.mu.Lock()
	rm.cancel = cancel
	rm.mu.Unlock()

	runner := agent.NewRunner(sess, h.driver, h, h.pace, h.logger)
	go runner.Run(ctx)
	h.logger.Printf("session %s conversation started", sess.PIN())
}

func (h *Hub) handleBroadcastMessage(c *client, m *protocol.BroadcastMessage) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	if c.participantID != sess.HostID() {
		h.sendErr(c, errCode(session.ErrNotAuthorized), "only the host may broadcast transcript messages")
		return
	}
	if m.Message == "" {
		h.sendErr(c, "BAD_REQUEST", "message is required")
		return
	}
	h.broadcast(sess.PIN(), protocol.KindTurnMessage, protocol.TurnMessage{Message: session.Message{
		ID:         uuid.NewString(),
		Content:    m.Message,
		Sender:     "host",
		Timestamp:  time.Now(),
		AuthorID:   m.SenderID,
		AuthorName: m.SenderName,
	}})
}

func (h *Hub) handleSubmit(c *client, m *protocol.SubmitIntervention) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	name := participantName(sess, c.participantID)
	msg, prop, pending, err := sess.SubmitIntervention(c.participantID, name, m.Content)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	if pending {
		h.broadcast(sess.PIN(), protocol.KindInterventionVoteState, protocol.InterventionVoteState{Proposal: prop})
		return
	}
	h.broadcast(sess.PIN(), protocol.KindInterventionSubmitted, protocol.InterventionSubmitted{
		Content:     msg.Content,
		TargetAgent: msg.Sender,
		AuthorID:    msg.AuthorID,
		AuthorName:  msg.AuthorName,
	})
}

func (h *Hub) handleSkip(c *client, m *protocol.SkipIntervention) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	if err := sess.SkipIntervention(c.participantID); err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	h.broadcast(sess.PIN(), protocol.KindSessionState, protocol.SessionState{Snapshot: sess.Snapshot()})
}

func (h *Hub) handleVote(c *client, m *protocol.InterventionVote) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	applied, rejected, prop, err := sess.Vote(c.participantID, m.Approve)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return
	}
	h.broadcast(sess.PIN(), protocol.KindInterventionVoteState, protocol.InterventionVoteState{
		Proposal: prop,
		Resolved: applied != nil || rejected,
		Applied:  applied != nil,
	})
	if applied != nil {
		h.broadcast(sess.PIN(), protocol.KindInterventionSubmitted, protocol.InterventionSubmitted{
			Content:     applied.Content,
			TargetAgent: applied.Sender,
			AuthorID:    applied.AuthorID,
			AuthorName:  applied.AuthorName,
		})
	}
}

func (h *Hub) handleChat(c *client, m *protocol.ChatMessage) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	if m.Content == "" {
		return
	}
	// Side channel only; never enters the transcript or touches the gate.
	h.broadcast(sess.PIN(), protocol.KindChatMessage, protocol.ChatMessage{
		PIN:        sess.PIN(),
		Content:    m.Content,
		AuthorID:   c.participantID,
		AuthorName: participantName(sess, c.participantID),
	})
}

func (h *Hub) handleEnd(c *client, m *protocol.EndSession) {
	sess, ok := h.sessionFor(c, m.PIN)
	if !ok {
		return
	}
	if c.participantID != sess.HostID() {
		h.sendErr(c, errCode(session.ErrNotAuthorized), "only the host may end the session")
		return
	}
	h.endSession(sess.PIN(), "host_ended")
}

// sessionFor resolves the target session, defaulting to the connection's
// current one, and requires the caller to be on its roster.
func (h *Hub) sessionFor(c *client, pin string) (*session.Session, bool) {
	if pin == "" {
		pin = c.pin
	}
	if pin == "" || c.participantID == "" {
		h.sendErr(c, "BAD_REQUEST", "join a session first")
		return nil, false
	}
	sess, err := h.reg.Get(pin)
	if err != nil {
		h.sendErr(c, errCode(err), err.Error())
		return nil, false
	}
	if participantName(sess, c.participantID) == "" {
		h.sendErr(c, "NOT_IN_SESSION", "participant is not in this session")
		return nil, false
	}
	return sess, true
}

func participantName(sess *session.Session, id string) string {
	for _, p := range sess.Participants() {
		if p.ID == id {
			return p.Name
		}
	}
	return ""
}

func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrSessionFull):
		return "SESSION_FULL"
	case errors.Is(err, session.ErrSessionEnded):
		return "SESSION_ENDED"
	case errors.Is(err, session.ErrObserversDisabled):
		return "OBSERVERS_DISABLED"
	case errors.Is(err, session.ErrRegistryFull):
		return "REGISTRY_FULL"
	case errors.Is(err, session.ErrAlreadyInSession):
		return "ALREADY_IN_SESSION"
	case errors.Is(err, session.ErrNotAuthorized):
		return "NOT_AUTHORIZED"
	case errors.Is(err, session.ErrEmptyIntervention):
		return "EMPTY_INTERVENTION"
	case errors.Is(err, session.ErrNotAwaiting):
		return "NOT_AWAITING"
	case errors.Is(err, session.ErrAlreadyStarted):
		return "ALREADY_STARTED"
	case errors.Is(err, session.ErrNotStarted):
		return "NOT_STARTED"
	case errors.Is(err, session.ErrVoteOpen):
		return "VOTE_OPEN"
	case errors.Is(err, session.ErrNoVoteOpen):
		return "NO_VOTE_OPEN"
	case errors.Is(err, session.ErrAlreadyVoted):
		return "ALREADY_VOTED"
	}
	return "INTERNAL"
}
