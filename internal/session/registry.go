package session

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// pinAttempts bounds regeneration when a fresh PIN collides with a live
// session before Create gives up with ErrRegistryFull.
const pinAttempts = 5

// Summary is the public listing shape for a session.
type Summary struct {
	PIN             string    `json:"pin"`
	HostName        string    `json:"hostName"`
	Status          Status    `json:"status"`
	Participants    int       `json:"participants"`
	MaxParticipants int       `json:"maxParticipants"`
	AllowObservers  bool      `json:"allowObservers"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Registry is the process-wide table of live sessions keyed by PIN. It also
// keeps a participant→PIN index so one identity holds a seat in at most one
// session at a time; rejoining the same session is always allowed.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	participant map[string]string
	maxSessions int

	// genPin is swappable in tests.
	genPin func() (string, error)
	now    func() time.Time
}

func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		participant: make(map[string]string),
		maxSessions: maxSessions,
		genPin:      GeneratePIN,
		now:         time.Now,
	}
}

// GeneratePIN returns 6 random decimal digits.
func GeneratePIN() (string, error) {
	out := make([]byte, 6)
	for i := range out {
		x, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + x.Int64())
	}
	return string(out), nil
}

// Create builds a session with the host as its sole participant and inserts
// it under a fresh PIN.
func (r *Registry) Create(hostID, hostName string, settings Settings) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrRegistryFull
	}
	if cur, ok := r.participant[hostID]; ok {
		if _, live := r.sessions[cur]; live {
			return nil, ErrAlreadyInSession
		}
		delete(r.participant, hostID)
	}

	pin := ""
	for i := 0; i < pinAttempts; i++ {
		candidate, err := r.genPin()
		if err != nil {
			return nil, err
		}
		if _, taken := r.sessions[candidate]; !taken {
			pin = candidate
			break
		}
	}
	if pin == "" {
		return nil, ErrRegistryFull
	}

	s := newSession(pin, hostID, hostName, settings, r.now())
	r.sessions[pin] = s
	r.participant[hostID] = pin
	return s, nil
}

func (r *Registry) Get(pin string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[pin]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Reserve claims the one-session-per-participant slot. Reserving the same
// PIN again (reconnect) is a no-op.
func (r *Registry) Reserve(participantID, pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.participant[participantID]; ok {
		if cur == pin {
			return nil
		}
		if _, live := r.sessions[cur]; live {
			return ErrAlreadyInSession
		}
	}
	r.participant[participantID] = pin
	return nil
}

// Release drops the participant index entry if it still points at pin.
func (r *Registry) Release(participantID, pin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.participant[participantID]; ok && cur == pin {
		delete(r.participant, participantID)
	}
}

// Remove ends the session and clears it and its index entries.
func (r *Registry) Remove(pin string) {
	r.mu.Lock()
	s, ok := r.sessions[pin]
	if ok {
		delete(r.sessions, pin)
		for id, cur := range r.participant {
			if cur == pin {
				delete(r.participant, id)
			}
		}
	}
	r.mu.Unlock()
	if ok {
		s.End()
	}
}

// List returns public summaries of all live sessions.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(ss))
	for _, s := range ss {
		snap := s.Snapshot()
		out = append(out, Summary{
			PIN:             snap.PIN,
			HostName:        snap.HostName,
			Status:          snap.Status,
			Participants:    len(snap.Participants),
			MaxParticipants: snap.Settings.MaxParticipants,
			AllowObservers:  snap.Settings.AllowObservers,
			CreatedAt:       s.CreatedAt(),
		})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
