// Package session holds the in-memory session domain: the PIN-keyed
// registry, the participant roster and the turn/intervention gate. All
// mutable state of one session is guarded by that session's own mutex, so
// every mutation is serialized through a single owner.
package session

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// Policy controls who may submit or skip an intervention.
type Policy string

const (
	PolicyHostOnly        Policy = "host-only"
	PolicyAllParticipants Policy = "all-participants"
	PolicyVote            Policy = "vote-based"
)

type Settings struct {
	MaxParticipants    int    `json:"maxParticipants"`
	AllowObservers     bool   `json:"allowObservers"`
	AutoStart          bool   `json:"autoStart"`
	InterventionPolicy Policy `json:"interventionPolicy"`
}

const defaultMaxParticipants = 8

func (s Settings) withDefaults() Settings {
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = defaultMaxParticipants
	}
	if s.InterventionPolicy == "" {
		s.InterventionPolicy = PolicyHostOnly
	}
	return s
}

type Participant struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Role             Role             `json:"role"`
	IsReady          bool             `json:"isReady"`
	JoinedAt         time.Time        `json:"joinedAt"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
}

// Message is a single transcript entry: an agent turn, a human
// intervention (AuthorID/AuthorName set) or a system notice. It exists only
// in transit; nothing in this package persists it.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     string    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName,omitempty"`
}

// AgentConfig describes one chat agent in the conversation.
type AgentConfig struct {
	Label              string `json:"label"`
	Model              string `json:"model"`
	SystemInstructions string `json:"systemInstructions"`
}

// SetupData is the host-supplied conversation configuration. The flat
// modelA/modelB fields are the two-agent wire shape; Agents carries the
// generalized list and wins when non-empty.
type SetupData struct {
	ModelA              string        `json:"modelA,omitempty"`
	ModelB              string        `json:"modelB,omitempty"`
	SystemInstructionsA string        `json:"systemInstructionsA,omitempty"`
	SystemInstructionsB string        `json:"systemInstructionsB,omitempty"`
	InitialPrompt       string        `json:"initialPrompt"`
	Agents              []AgentConfig `json:"agents,omitempty"`
}

// AgentList normalizes setup into the ordered agent list.
func (d SetupData) AgentList() []AgentConfig {
	if len(d.Agents) > 0 {
		return d.Agents
	}
	return []AgentConfig{
		{Label: "model-a", Model: d.ModelA, SystemInstructions: d.SystemInstructionsA},
		{Label: "model-b", Model: d.ModelB, SystemInstructions: d.SystemInstructionsB},
	}
}

// Snapshot is the authoritative state replay sent to a rejoining client.
type Snapshot struct {
	PIN                  string        `json:"pin"`
	HostName             string        `json:"hostName"`
	Status               Status        `json:"status"`
	Settings             Settings      `json:"settings"`
	Participants         []Participant `json:"participants"`
	ExchangeCount        int           `json:"exchangeCount"`
	AwaitingIntervention bool          `json:"awaitingIntervention"`
	CurrentTurn          string        `json:"currentTurn,omitempty"`
}

// Session is the unit of multiplayer state. Lifetime is bound to the server
// process; it is created by the registry and removed when the host leaves,
// disconnects, or ends it explicitly.
type Session struct {
	mu sync.RWMutex

	pin       string
	hostID    string
	hostName  string
	status    Status
	settings  Settings
	createdAt time.Time

	participants []*Participant
	setup        *SetupData
	gate         gate
}

func newSession(pin, hostID, hostName string, settings Settings, now time.Time) *Session {
	s := &Session{
		pin:       pin,
		hostID:    hostID,
		hostName:  hostName,
		status:    StatusWaiting,
		settings:  settings.withDefaults(),
		createdAt: now,
	}
	s.participants = append(s.participants, &Participant{
		ID:               hostID,
		Name:             hostName,
		Role:             RoleHost,
		JoinedAt:         now,
		ConnectionStatus: Connected,
	})
	s.gate.state = gateIdle
	s.gate.resume = make(chan *Message, 1)
	return s
}

func (s *Session) PIN() string        { return s.pin }
func (s *Session) HostID() string     { return s.hostID }
func (s *Session) HostName() string   { return s.hostName }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Participants returns a copy of the roster in join order.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

func (s *Session) findLocked(id string) *Participant {
	for _, p := range s.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Join adds a participant. Joining with an id already on the roster is
// treated as a reconnect, never as a duplicate seat.
func (s *Session) Join(id, name string, role Role) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded {
		return Participant{}, ErrSessionEnded
	}
	if p := s.findLocked(id); p != nil {
		p.ConnectionStatus = Connected
		return *p, nil
	}
	if role == RoleObserver && !s.settings.AllowObservers {
		return Participant{}, ErrObserversDisabled
	}
	if role == RoleHost || role == "" {
		role = RoleParticipant
	}
	if len(s.participants) >= s.settings.MaxParticipants {
		return Participant{}, ErrSessionFull
	}
	p := &Participant{
		ID:               id,
		Name:             name,
		Role:             role,
		JoinedAt:         time.Now(),
		ConnectionStatus: Connected,
	}
	s.participants = append(s.participants, p)
	return *p, nil
}

// Rejoin re-attaches a known participant and returns the authoritative
// state replay. It never creates a roster entry.
func (s *Session) Rejoin(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded {
		return Snapshot{}, ErrSessionEnded
	}
	p := s.findLocked(id)
	if p == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	p.ConnectionStatus = Connected
	return s.snapshotLocked(), nil
}

// Leave marks the participant disconnected and reports whether the departing
// participant is the host; host departure ends the session.
func (s *Session) Leave(id string) (isHost bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(id)
	if p == nil {
		return false
	}
	p.ConnectionStatus = Disconnected
	if p.Role == RoleHost {
		s.endLocked()
		return true
	}
	return false
}

// Start moves the session to active with the given agent setup. Host only.
func (s *Session) Start(callerID string, setup SetupData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusEnded {
		return ErrSessionEnded
	}
	if callerID != s.hostID {
		return ErrNotAuthorized
	}
	if s.status == StatusActive {
		return ErrAlreadyStarted
	}
	s.status = StatusActive
	s.setup = &setup
	s.gate.begin(setup.AgentList())
	return nil
}

// End moves the session to ended and releases anything blocked on the gate.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Session) endLocked() {
	if s.status == StatusEnded {
		return
	}
	s.status = StatusEnded
	s.gate.end()
}

func (s *Session) Setup() (SetupData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.setup == nil {
		return SetupData{}, false
	}
	return *s.setup, true
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		PIN:                  s.pin,
		HostName:             s.hostName,
		Status:               s.status,
		Settings:             s.settings,
		Participants:         s.participantsLocked(),
		ExchangeCount:        s.gate.exchangeCount,
		AwaitingIntervention: s.gate.state == gateAwaiting,
		CurrentTurn:          s.gate.currentLabelLocked(),
	}
}

// connectedVoters counts participants eligible to vote on a proposal:
// connected and not observers. Must be called with the lock held.
func (s *Session) connectedVotersLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.Role != RoleObserver && p.ConnectionStatus == Connected {
			n++
		}
	}
	return n
}

func (s *Session) authorizedLocked(id string) bool {
	switch s.settings.InterventionPolicy {
	case PolicyHostOnly:
		return id == s.hostID
	case PolicyAllParticipants, PolicyVote:
		p := s.findLocked(id)
		return p != nil && p.Role != RoleObserver
	}
	return false
}

func trimmed(content string) string {
	return strings.TrimSpace(content)
}
