package session

import (
	"time"

	"github.com/google/uuid"
)

// The gate enforces the intervention cadence: agents exchange turns freely
// until the exchange count hits a multiple of the interval, then the
// conversation blocks until an authorized human submits or skips.

type gateState string

const (
	gateIdle     gateState = "idle"
	gateRunning  gateState = "running"
	gateAwaiting gateState = "awaiting"
	gateEnded    gateState = "ended"
)

const (
	twoAgentInterval = 10
	maxModeInterval  = 20
)

// Proposal is a pending vote-based intervention.
type Proposal struct {
	Content      string `json:"content"`
	ProposerID   string `json:"proposerId"`
	ProposerName string `json:"proposerName"`
	Approvals    int    `json:"approvals"`
	Rejections   int    `json:"rejections"`
	Needed       int    `json:"needed"`

	voted map[string]bool
}

type gate struct {
	state         gateState
	agents        []AgentConfig
	interval      int
	exchangeCount int
	turn          int
	proposal      *Proposal

	// resume unblocks the conversation runner; carries the intervention
	// message, or nil on skip.
	resume chan *Message
}

func (g *gate) begin(agents []AgentConfig) {
	g.agents = agents
	g.interval = twoAgentInterval
	if len(agents) >= 5 {
		g.interval = maxModeInterval
	}
	g.exchangeCount = 0
	g.turn = 0
	g.state = gateRunning
}

func (g *gate) end() {
	if g.state == gateEnded {
		return
	}
	g.state = gateEnded
	g.proposal = nil
	close(g.resume)
}

func (g *gate) currentLabelLocked() string {
	if g.state != gateRunning && g.state != gateAwaiting {
		return ""
	}
	return g.agents[g.turn].Label
}

func (g *gate) advanceTurnLocked() {
	g.turn = (g.turn + 1) % len(g.agents)
}

// ResumeC delivers one value per gate release: the applied intervention
// message, or nil when the gate was skipped. Closed when the session ends.
func (s *Session) ResumeC() <-chan *Message {
	return s.gate.resume
}

// CurrentAgent returns the agent due to speak next.
func (s *Session) CurrentAgent() (AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.gate.state {
	case gateEnded:
		return AgentConfig{}, ErrSessionEnded
	case gateIdle:
		return AgentConfig{}, ErrNotStarted
	}
	return s.gate.agents[s.gate.turn], nil
}

// AwaitingIntervention reports whether the gate is blocked.
func (s *Session) AwaitingIntervention() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate.state == gateAwaiting
}

func (s *Session) ExchangeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate.exchangeCount
}

// RecordExchange counts one completed agent turn, toggles the turn pointer
// and reports whether the gate just closed for an intervention.
func (s *Session) RecordExchange() (awaiting bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.gate.state {
	case gateEnded:
		return false, ErrSessionEnded
	case gateIdle:
		return false, ErrNotStarted
	case gateAwaiting:
		return true, ErrNotAwaiting
	}
	s.gate.exchangeCount++
	s.gate.advanceTurnLocked()
	if s.gate.exchangeCount%s.gate.interval == 0 {
		s.gate.state = gateAwaiting
		return true, nil
	}
	return false, nil
}

// SubmitIntervention applies a human message while the gate is blocked. The
// message is attributed to the agent whose turn it replaces and the turn
// pointer toggles past that agent. Under the vote-based policy the text
// becomes a proposal instead: the pending flag is set and prop carries the
// proposal snapshot taken under the session lock.
func (s *Session) SubmitIntervention(participantID, participantName, content string) (msg Message, prop Proposal, pending bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content = trimmed(content)
	if content == "" {
		return Message{}, Proposal{}, false, ErrEmptyIntervention
	}
	if s.gate.state == gateEnded {
		return Message{}, Proposal{}, false, ErrSessionEnded
	}
	if s.gate.state != gateAwaiting {
		return Message{}, Proposal{}, false, ErrNotAwaiting
	}
	if !s.authorizedLocked(participantID) {
		return Message{}, Proposal{}, false, ErrNotAuthorized
	}

	if s.settings.InterventionPolicy == PolicyVote {
		if s.gate.proposal != nil {
			return Message{}, Proposal{}, false, ErrVoteOpen
		}
		s.gate.proposal = &Proposal{
			Content:      content,
			ProposerID:   participantID,
			ProposerName: participantName,
			voted:        map[string]bool{},
		}
		// The proposer's submission counts as their approval.
		applied, _, snap, err := s.voteLocked(participantID, true)
		if err != nil {
			return Message{}, Proposal{}, false, err
		}
		if applied != nil {
			return *applied, Proposal{}, false, nil
		}
		return Message{}, snap, true, nil
	}

	return s.applyInterventionLocked(content, participantID, participantName), Proposal{}, false, nil
}

// SkipIntervention releases the gate without injecting a message. Under the
// vote-based policy only the host may skip (it discards any open proposal).
func (s *Session) SkipIntervention(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate.state == gateEnded {
		return ErrSessionEnded
	}
	if s.gate.state != gateAwaiting {
		return ErrNotAwaiting
	}
	if s.settings.InterventionPolicy == PolicyVote {
		if participantID != s.hostID {
			return ErrNotAuthorized
		}
	} else if !s.authorizedLocked(participantID) {
		return ErrNotAuthorized
	}
	s.gate.proposal = nil
	s.gate.state = gateRunning
	s.signalResumeLocked(nil)
	return nil
}

// Vote records one approve/reject vote on the open proposal. The proposal
// applies when approvals reach a strict majority of connected non-observer
// participants, and is discarded once it can no longer reach that majority.
func (s *Session) Vote(participantID string, approve bool) (applied *Message, rejected bool, p Proposal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate.state == gateEnded {
		return nil, false, Proposal{}, ErrSessionEnded
	}
	if s.settings.InterventionPolicy != PolicyVote {
		return nil, false, Proposal{}, ErrNotAuthorized
	}
	if s.gate.proposal == nil {
		return nil, false, Proposal{}, ErrNoVoteOpen
	}
	if !s.authorizedLocked(participantID) {
		return nil, false, Proposal{}, ErrNotAuthorized
	}
	return s.voteLocked(participantID, approve)
}

func (s *Session) voteLocked(participantID string, approve bool) (applied *Message, rejected bool, snap Proposal, err error) {
	prop := s.gate.proposal
	if _, dup := prop.voted[participantID]; dup {
		return nil, false, *prop, ErrAlreadyVoted
	}
	prop.voted[participantID] = approve
	if approve {
		prop.Approvals++
	} else {
		prop.Rejections++
	}

	voters := s.connectedVotersLocked()
	prop.Needed = voters/2 + 1

	if prop.Approvals >= prop.Needed {
		msg := s.applyInterventionLocked(prop.Content, prop.ProposerID, prop.ProposerName)
		s.gate.proposal = nil
		snap = *prop
		return &msg, false, snap, nil
	}
	// Remaining undecided voters can no longer push approvals to a majority.
	if prop.Approvals+(voters-prop.Approvals-prop.Rejections) < prop.Needed {
		snap = *prop
		s.gate.proposal = nil
		return nil, true, snap, nil
	}
	return nil, false, *prop, nil
}

// Proposal returns a copy of the open proposal, if any.
func (s *Session) Proposal() (Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gate.proposal == nil {
		return Proposal{}, false
	}
	return *s.gate.proposal, true
}

func (s *Session) applyInterventionLocked(content, authorID, authorName string) Message {
	target := s.gate.agents[s.gate.turn].Label
	msg := Message{
		ID:         uuid.NewString(),
		Content:    content,
		Sender:     target,
		Timestamp:  time.Now(),
		AuthorID:   authorID,
		AuthorName: authorName,
	}
	s.gate.advanceTurnLocked()
	s.gate.state = gateRunning
	s.signalResumeLocked(&msg)
	return msg
}

func (s *Session) signalResumeLocked(msg *Message) {
	select {
	case s.gate.resume <- msg:
	default:
	}
}
