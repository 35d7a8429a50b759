// Package protocol defines the JSON wire surface of the relay: a closed set
// of message kinds carried in a {type, payload} envelope. Incoming frames
// decode into typed payload structs; an unknown type is a decode error, not
// a silently ignored frame.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/anrak-dev/anrak/internal/session"
)

type Kind string

// Client → server.
const (
	KindCreateSession      Kind = "create_multiplayer_session"
	KindJoinSession        Kind = "join_multiplayer_session"
	KindRejoinSession      Kind = "rejoin_multiplayer_session"
	KindStartConversation  Kind = "start_ai_conversation"
	KindBroadcastMessage   Kind = "broadcast_multiplayer_message"
	KindSubmitIntervention Kind = "submit_intervention"
	KindSkipIntervention   Kind = "skip_intervention"
	KindInterventionVote   Kind = "intervention_vote"
	KindEndSession         Kind = "end_session"
	KindListSessions       Kind = "list_sessions"
	KindPing               Kind = "ping"
)

// Server → client.
const (
	KindSessionCreated        Kind = "session_created"
	KindSessionJoined         Kind = "session_joined"
	KindSessionState          Kind = "session_state"
	KindParticipantJoined     Kind = "participant_joined"
	KindParticipantLeft       Kind = "participant_left"
	KindSessionStarted        Kind = "session_started"
	KindTurnMessage           Kind = "multiplayer_message"
	KindInterventionSubmitted Kind = "intervention_submitted"
	KindInterventionVoteState Kind = "intervention_vote_update"
	KindSessionEnded          Kind = "session_ended"
	KindSessionList           Kind = "session_list"
	KindError                 Kind = "error"
	KindPong                  Kind = "pong"
)

// Bidirectional.
const (
	KindChatMessage Kind = "arena_chat_message"
)

// Envelope is the outer frame.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

/* Client payloads */

type CreateSession struct {
	HostID   string           `json:"hostId"`
	HostName string           `json:"hostName"`
	Settings session.Settings `json:"settings"`
}

type JoinSession struct {
	PIN             string       `json:"pin"`
	ParticipantID   string       `json:"participantId"`
	ParticipantName string       `json:"participantName"`
	Role            session.Role `json:"role,omitempty"`
}

type RejoinSession struct {
	PIN             string `json:"pin"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName,omitempty"`
}

type StartConversation struct {
	PIN       string            `json:"pin"`
	SetupData session.SetupData `json:"setupData"`
}

type BroadcastMessage struct {
	PIN        string `json:"pin"`
	Message    string `json:"message"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

type SubmitIntervention struct {
	PIN     string `json:"pin"`
	Content string `json:"content"`
}

type SkipIntervention struct {
	PIN string `json:"pin"`
}

type InterventionVote struct {
	PIN     string `json:"pin"`
	Approve bool   `json:"approve"`
}

type ChatMessage struct {
	PIN        string `json:"pin"`
	Content    string `json:"content"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
}

type EndSession struct {
	PIN string `json:"pin"`
}

type ListSessions struct{}

type Ping struct{}

/* Server payloads */

type SessionCreated struct {
	PIN      string           `json:"pin"`
	Settings session.Settings `json:"settings"`
}

type SessionJoined struct {
	PIN          string                `json:"pin"`
	HostName     string                `json:"hostName"`
	Participants []session.Participant `json:"participants"`
	Settings     session.Settings      `json:"settings"`
}

type SessionState struct {
	Snapshot session.Snapshot `json:"snapshot"`
}

type ParticipantJoined struct {
	Participant session.Participant `json:"participant"`
}

type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

type SessionStarted struct {
	PIN       string            `json:"pin"`
	SetupData session.SetupData `json:"setupData"`
}

type TurnMessage struct {
	Message session.Message `json:"message"`
}

type InterventionSubmitted struct {
	Content     string `json:"content"`
	TargetAgent string `json:"targetAgent"`
	AuthorID    string `json:"authorId"`
	AuthorName  string `json:"authorName"`
}

type InterventionVoteState struct {
	Proposal session.Proposal `json:"proposal"`
	Resolved bool             `json:"resolved"`
	Applied  bool             `json:"applied"`
}

type SessionEnded struct {
	Reason string `json:"reason"`
}

type SessionList struct {
	Sessions []session.Summary `json:"sessions"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Pong struct{}

// ClientMessage is the closed union of frames a client may send. The
// unexported marker keeps the set closed to this package, so the relay's
// type switch is exhaustive by construction.
type ClientMessage interface {
	clientKind() Kind
}

func (CreateSession) clientKind() Kind      { return KindCreateSession }
func (JoinSession) clientKind() Kind        { return KindJoinSession }
func (RejoinSession) clientKind() Kind      { return KindRejoinSession }
func (StartConversation) clientKind() Kind  { return KindStartConversation }
func (BroadcastMessage) clientKind() Kind   { return KindBroadcastMessage }
func (SubmitIntervention) clientKind() Kind { return KindSubmitIntervention }
func (SkipIntervention) clientKind() Kind   { return KindSkipIntervention }
func (InterventionVote) clientKind() Kind   { return KindInterventionVote }
func (ChatMessage) clientKind() Kind        { return KindChatMessage }
func (EndSession) clientKind() Kind         { return KindEndSession }
func (ListSessions) clientKind() Kind       { return KindListSessions }
func (Ping) clientKind() Kind               { return KindPing }

// DecodeClient parses one inbound frame into its typed payload.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return decodeClientPayload(env)
}

func decodeClientPayload(env Envelope) (ClientMessage, error) {
	var msg ClientMessage
	switch env.Type {
	case KindCreateSession:
		msg = &CreateSession{}
	case KindJoinSession:
		msg = &JoinSession{}
	case KindRejoinSession:
		msg = &RejoinSession{}
	case KindStartConversation:
		msg = &StartConversation{}
	case KindBroadcastMessage:
		msg = &BroadcastMessage{}
	case KindSubmitIntervention:
		msg = &SubmitIntervention{}
	case KindSkipIntervention:
		msg = &SkipIntervention{}
	case KindInterventionVote:
		msg = &InterventionVote{}
	case KindChatMessage:
		msg = &ChatMessage{}
	case KindEndSession:
		msg = &EndSession{}
	case KindListSessions:
		msg = &ListSessions{}
	case KindPing:
		msg = &Ping{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}

// ServerMessage is the closed union of frames the server emits; the viewer
// client decodes against it.
type ServerMessage interface {
	serverKind() Kind
}

func (SessionCreated) serverKind() Kind        { return KindSessionCreated }
func (SessionJoined) serverKind() Kind         { return KindSessionJoined }
func (SessionState) serverKind() Kind          { return KindSessionState }
func (ParticipantJoined) serverKind() Kind     { return KindParticipantJoined }
func (ParticipantLeft) serverKind() Kind       { return KindParticipantLeft }
func (SessionStarted) serverKind() Kind        { return KindSessionStarted }
func (TurnMessage) serverKind() Kind           { return KindTurnMessage }
func (InterventionSubmitted) serverKind() Kind { return KindInterventionSubmitted }
func (InterventionVoteState) serverKind() Kind { return KindInterventionVoteState }
func (ChatMessage) serverKind() Kind           { return KindChatMessage }
func (SessionEnded) serverKind() Kind          { return KindSessionEnded }
func (SessionList) serverKind() Kind           { return KindSessionList }
func (ErrorPayload) serverKind() Kind          { return KindError }
func (Pong) serverKind() Kind                  { return KindPong }

// DecodeServer parses one server frame into its typed payload.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	var msg ServerMessage
	switch env.Type {
	case KindSessionCreated:
		msg = &SessionCreated{}
	case KindSessionJoined:
		msg = &SessionJoined{}
	case KindSessionState:
		msg = &SessionState{}
	case KindParticipantJoined:
		msg = &ParticipantJoined{}
	case KindParticipantLeft:
		msg = &ParticipantLeft{}
	case KindSessionStarted:
		msg = &SessionStarted{}
	case KindTurnMessage:
		msg = &TurnMessage{}
	case KindInterventionSubmitted:
		msg = &InterventionSubmitted{}
	case KindInterventionVoteState:
		msg = &InterventionVoteState{}
	case KindChatMessage:
		msg = &ChatMessage{}
	case KindSessionEnded:
		msg = &SessionEnded{}
	case KindSessionList:
		msg = &SessionList{}
	case KindError:
		msg = &ErrorPayload{}
	case KindPong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}

// Encode wraps a payload in the envelope.
func Encode(kind Kind, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}
