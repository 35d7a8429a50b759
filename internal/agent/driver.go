// Package agent generates the AI side of a conversation: a Driver produces
// one agent turn from the transcript so far, and a Runner loops agents in
// rotation, pausing at the intervention gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anrak-dev/anrak/internal/session"
)

var ErrRateLimited = errors.New("completion provider rate limited")

// Turn is one prior message as seen by the model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Driver interface {
	// Generate returns the next utterance for the given agent. The history
	// holds the transcript so far from that agent's perspective.
	Generate(ctx context.Context, cfg session.AgentConfig, history []Turn) (string, error)
}

// Scripted cycles through canned lines. It backs tests and keyless local
// runs.
type Scripted struct {
	Lines []string

	mu sync.Mutex
	i  int
}

func (s *Scripted) Generate(_ context.Context, cfg session.AgentConfig, _ []Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Lines) == 0 {
		return fmt.Sprintf("(%s has nothing to say)", cfg.Label), nil
	}
	line := s.Lines[s.i%len(s.Lines)]
	s.i++
	return line, nil
}
