// Package viewer is the read-only terminal client: it joins a session as an
// observer, renders the agent transcript and the side chat separately, and
// reconnects with capped exponential backoff.
package viewer

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/anrak-dev/anrak/internal/protocol"
	"github.com/anrak-dev/anrak/internal/session"
)

type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateLost
	stateEnded
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	humanStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	chatStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

const transcriptLines = 18

type Model struct {
	serverURL string
	pin       string
	id        string
	name      string

	state      connState
	conn       *wsClient
	attempt    int
	joinedOnce bool

	status     session.Status
	exchange   int
	awaiting   bool
	roster     int
	transcript []string
	chat       []string
	notice     string

	input textinput.Model
}

func New(serverURL, pin, name string) Model {
	ti := textinput.New()
	ti.Placeholder = "chat with other viewers"
	ti.CharLimit = 280
	ti.Focus()
	return Model{
		serverURL: serverURL,
		pin:       pin,
		id:        uuid.NewString(),
		name:      name,
		state:     stateConnecting,
		input:     ti,
	}
}

/* messages */

type connectedMsg struct{ conn *wsClient }
type connectFailedMsg struct{ err error }
type serverEventMsg struct{ ev event }
type retryMsg struct{}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.connectCmd())
}

func (m Model) connectCmd() tea.Cmd {
	url, pin, id, name := m.serverURL, m.pin, m.id, m.name
	rejoin := m.joinedOnce
	return func() tea.Msg {
		conn, err := dial(url)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		if rejoin {
			err = conn.send(protocol.KindRejoinSession, protocol.RejoinSession{
				PIN: pin, ParticipantID: id, ParticipantName: name,
			})
		} else {
			err = conn.send(protocol.KindJoinSession, protocol.JoinSession{
				PIN: pin, ParticipantID: id, ParticipantName: name, Role: session.RoleObserver,
			})
		}
		if err != nil {
			conn.close()
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func waitForEvent(conn *wsClient) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.events
		if !ok {
			return serverEventMsg{ev: event{err: fmt.Errorf("connection closed")}}
		}
		return serverEventMsg{ev: ev}
	}
}

func retryAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return retryMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.conn != nil {
				m.conn.close()
			}
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submitChat()
		}
	case connectedMsg:
		m.conn = msg.conn
		m.state = stateJoined
		m.joinedOnce = true
		m.attempt = 0
		m.notice = ""
		return m, waitForEvent(m.conn)
	case connectFailedMsg:
		return m.scheduleRetry(msg.err)
	case retryMsg:
		if m.state == stateConnecting {
			return m, m.connectCmd()
		}
		return m, nil
	case serverEventMsg:
		if msg.ev.err != nil {
			if m.conn != nil {
				m.conn.close()
				m.conn = nil
			}
			if m.state == stateEnded {
				return m, nil
			}
			return m.scheduleRetry(msg.ev.err)
		}
		m = m.apply(msg.ev.msg)
		if m.conn != nil {
			return m, waitForEvent(m.conn)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) scheduleRetry(err error) (tea.Model, tea.Cmd) {
	m.attempt++
	d, ok := nextBackoff(m.attempt)
	if !ok {
		m.state = stateLost
		m.notice = fmt.Sprintf("connection lost: %v", err)
		return m, nil
	}
	m.state = stateConnecting
	m.notice = fmt.Sprintf("reconnecting in %s (attempt %d/%d)", d, m.attempt, maxAttempts)
	return m, retryAfter(d)
}

func (m Model) submitChat() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.conn == nil || m.state != stateJoined {
		return m, nil
	}
	_ = m.conn.send(protocol.KindChatMessage, protocol.ChatMessage{
		PIN: m.pin, Content: text, AuthorID: m.id, AuthorName: m.name,
	})
	m.input.Reset()
	return m, nil
}

// apply folds one server frame into the view state. A session_state replay
// is authoritative and overwrites whatever a stale connection delivered.
func (m Model) apply(ev protocol.ServerMessage) Model {
	switch ev := ev.(type) {
	case *protocol.SessionJoined:
		m.roster = len(ev.Participants)
		m.status = session.StatusWaiting
	case *protocol.SessionState:
		m.status = ev.Snapshot.Status
		m.exchange = ev.Snapshot.ExchangeCount
		m.awaiting = ev.Snapshot.AwaitingIntervention
		m.roster = len(ev.Snapshot.Participants)
	case *protocol.ParticipantJoined:
		m.roster++
	case *protocol.ParticipantLeft:
		if m.roster > 0 {
			m.roster--
		}
	case *protocol.SessionStarted:
		m.status = session.StatusActive
	case *protocol.TurnMessage:
		// seed prompts and host broadcasts share the frame kind but are not
		// exchanges, so they must not advance the counter
		if s := ev.Message.Sender; s != "system" && s != "host" {
			m.exchange++
			m.awaiting = false
		}
		m.transcript = append(m.transcript, agentStyle.Render(ev.Message.Sender+": ")+ev.Message.Content)
	case *protocol.InterventionSubmitted:
		m.awaiting = false
		line := fmt.Sprintf("%s (via %s): %s", ev.TargetAgent, ev.AuthorName, ev.Content)
		m.transcript = append(m.transcript, humanStyle.Render(line))
	case *protocol.InterventionVoteState:
		m.notice = fmt.Sprintf("intervention vote: %d approve / %d reject (needs %d)",
			ev.Proposal.Approvals, ev.Proposal.Rejections, ev.Proposal.Needed)
		if ev.Resolved {
			m.notice = ""
		}
	case *protocol.ChatMessage:
		m.chat = append(m.chat, chatStyle.Render(ev.AuthorName+": "+ev.Content))
	case *protocol.SessionEnded:
		m.state = stateEnded
		m.status = session.StatusEnded
		m.notice = "session ended: " + ev.Reason
	case *protocol.ErrorPayload:
		m.notice = fmt.Sprintf("server error [%s]: %s", ev.Code, ev.Message)
	}
	return m
}

func (m Model) View() string {
	var b strings.Builder

	header := fmt.Sprintf("ANRAK viewer | session %s | %d participants | %s", m.pin, m.roster, m.status)
	if m.awaiting {
		header += " | waiting for intervention"
	}
	b.WriteString(titleStyle.Render(header) + "\n\n")

	switch m.state {
	case stateConnecting:
		b.WriteString(statusStyle.Render("connecting to "+m.serverURL) + "\n")
	case stateLost:
		b.WriteString(warningStyle.Render(m.notice) + "\n")
		b.WriteString(statusStyle.Render("press ctrl+c to quit") + "\n")
		return b.String()
	}

	start := 0
	if len(m.transcript) > transcriptLines {
		start = len(m.transcript) - transcriptLines
	}
	for _, line := range m.transcript[start:] {
		b.WriteString(line + "\n")
	}

	if len(m.chat) > 0 {
		b.WriteString("\n" + statusStyle.Render("viewer chat") + "\n")
		cStart := 0
		if len(m.chat) > 5 {
			cStart = len(m.chat) - 5
		}
		for _, line := range m.chat[cStart:] {
			b.WriteString(line + "\n")
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + statusStyle.Render(m.notice) + "\n")
	}
	if m.state == stateJoined {
		b.WriteString("\n" + m.input.View() + "\n")
	}
	return b.String()
}
