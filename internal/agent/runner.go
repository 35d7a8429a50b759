package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anrak-dev/anrak/internal/session"
)

// Sink receives the runner's output; the relay hub implements it.
type Sink interface {
	PublishTurn(pin string, msg session.Message)
	ConversationEnded(pin string, reason string)
}

// Runner drives one session's agent conversation. It is the only goroutine
// producing agent turns for its session, which keeps the exchange count and
// turn pointer free of producer races.
type Runner struct {
	sess   *session.Session
	driver Driver
	sink   Sink
	pace   time.Duration
	logger *log.Logger

	transcript []session.Message
}

func NewRunner(sess *session.Session, driver Driver, sink Sink, pace time.Duration, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{sess: sess, driver: driver, sink: sink, pace: pace, logger: logger}
}

func (r *Runner) Run(ctx context.Context) {
	pin := r.sess.PIN()
	setup, ok := r.sess.Setup()
	if !ok {
		r.sink.ConversationEnded(pin, "no setup")
		return
	}

	if prompt := strings.TrimSpace(setup.InitialPrompt); prompt != "" {
		seed := session.Message{
			ID:        uuid.NewString(),
			Content:   prompt,
			Sender:    "system",
			Timestamp: time.Now(),
		}
		r.transcript = append(r.transcript, seed)
		r.sink.PublishTurn(pin, seed)
	}

	for {
		cfg, err := r.sess.CurrentAgent()
		if err != nil {
			r.sink.ConversationEnded(pin, "session ended")
			return
		}

		content, err := r.driver.Generate(ctx, cfg, r.historyFor(cfg))
		if err != nil {
			if ctx.Err() != nil {
				r.sink.ConversationEnded(pin, "cancelled")
				return
			}
			r.logger.Printf("session %s: %s turn failed: %v", pin, cfg.Label, err)
			wait := r.pace
			if errors.Is(err, ErrRateLimited) {
				wait = time.Minute
			}
			if !sleepCtx(ctx, wait) {
				r.sink.ConversationEnded(pin, "cancelled")
				return
			}
			continue
		}

		msg := session.Message{
			ID:        uuid.NewString(),
			Content:   content,
			Sender:    cfg.Label,
			Timestamp: time.Now(),
		}
		r.transcript = append(r.transcript, msg)
		r.sink.PublishTurn(pin, msg)

		awaiting, err := r.sess.RecordExchange()
		if err != nil {
			r.sink.ConversationEnded(pin, "session ended")
			return
		}
		if awaiting {
			select {
			case intervention, open := <-r.sess.ResumeC():
				if !open {
					r.sink.ConversationEnded(pin, "session ended")
					return
				}
				if intervention != nil {
					r.transcript = append(r.transcript, *intervention)
				}
			case <-ctx.Done():
				r.sink.ConversationEnded(pin, "cancelled")
				return
			}
		}
		if !sleepCtx(ctx, r.pace) {
			r.sink.ConversationEnded(pin, "cancelled")
			return
		}
	}
}

// historyFor maps the shared transcript into one agent's view: its own
// lines as assistant turns, everything else as labeled user turns.
func (r *Runner) historyFor(cfg session.AgentConfig) []Turn {
	out := make([]Turn, 0, len(r.transcript))
	for _, m := range r.transcript {
		if m.Sender == cfg.Label && m.AuthorID == "" {
			out = append(out, Turn{Role: "assistant", Content: m.Content})
			continue
		}
		out = append(out, Turn{Role: "user", Content: fmt.Sprintf("%s: %s", m.Sender, m.Content)})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
