package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warpmesh/internal/utils"
)

const maxLogLines = 12

// Messages fed to the dashboard from room callbacks.
type (
	statusMsg struct {
		connected bool
		leader    bool
	}
	peersMsg struct {
		remote []string
		local  []string
	}
	syncedMsg  bool
	receiveMsg struct {
		from string
		data []byte
	}
	sendResultMsg struct {
		text string
		err  error
	}
)

// Dashboard is the live view of one joined room.
type Dashboard struct {
	program *tea.Program
	model   *dashboardModel
}

// NewDashboard builds a dashboard. send is called with every line typed.
func NewDashboard(room, self string, send func([]byte) error) *Dashboard {
	m := newDashboardModel(room, self, send)
	return &Dashboard{
		model:   m,
		program: tea.NewProgram(m),
	}
}

// Run blocks until the user quits or Quit is called.
func (d *Dashboard) Run() error {
	_, err := d.program.Run()
	return err
}

func (d *Dashboard) Quit() { d.program.Quit() }

func (d *Dashboard) Status(connected, leader bool) {
	d.program.Send(statusMsg{connected: connected, leader: leader})
}

func (d *Dashboard) Peers(remote, local []string) {
	d.program.Send(peersMsg{remote: remote, local: local})
}

func (d *Dashboard) Synced(synced bool) {
	d.program.Send(syncedMsg(synced))
}

func (d *Dashboard) Message(from string, data []byte) {
	d.program.Send(receiveMsg{from: from, data: data})
}

// Summary reports what happened during the session.
func (d *Dashboard) Summary() SessionSummary {
	return d.model.summary()
}

type dashboardModel struct {
	room    string
	self    string
	send    func([]byte) error
	spinner spinner.Model
	input   textinput.Model
	started time.Time

	connected bool
	leader    bool
	synced    bool
	remote    []string
	local     []string
	log       []string
	quitting  bool

	mu    sync.Mutex
	stats SessionSummary
	seen  map[string]struct{}
}

func newDashboardModel(room, self string, send func([]byte) error) *dashboardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	ti := textinput.New()
	ti.Placeholder = "type a message and press enter"
	ti.CharLimit = 1024
	ti.Width = 60
	ti.Focus()

	return &dashboardModel{
		room:    room,
		self:    self,
		send:    send,
		spinner: s,
		input:   ti,
		started: time.Now(),
		stats:   SessionSummary{Room: room, PeerID: self},
		seen:    make(map[string]struct{}),
	}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if text != "" {
				cmds = append(cmds, m.sendCmd(text))
			}
			return m, tea.Batch(cmds...)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.connected, m.leader = msg.connected, msg.leader
		if msg.leader {
			m.mu.Lock()
			m.stats.WasLeader = true
			m.mu.Unlock()
		}
		return m, nil

	case peersMsg:
		m.remote, m.local = msg.remote, msg.local
		m.mu.Lock()
		for _, id := range msg.remote {
			m.seen[id] = struct{}{}
		}
		m.stats.PeersSeen = len(m.seen)
		m.mu.Unlock()
		return m, nil

	case syncedMsg:
		m.synced = bool(msg)
		return m, nil

	case receiveMsg:
		m.mu.Lock()
		m.stats.Received++
		m.stats.BytesReceived += int64(len(msg.data))
		m.mu.Unlock()
		m.appendLog(PeerStyle.Render(utils.ShortID(msg.from)) + ": " + string(msg.data))
		return m, nil

	case sendResultMsg:
		if msg.err != nil {
			m.appendLog(ErrorStyle.Render(IconError) + " " + msg.err.Error())
			return m, nil
		}
		m.mu.Lock()
		m.stats.Sent++
		m.stats.BytesSent += int64(len(msg.text))
		m.mu.Unlock()
		m.appendLog(SelfStyle.Render("you") + ": " + msg.text)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *dashboardModel) sendCmd(text string) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		return sendResultMsg{text: text, err: send([]byte(text))}
	}
}

func (m *dashboardModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *dashboardModel) summary() SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Duration = time.Since(m.started)
	return s
}

func (m *dashboardModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s  ", IconRoom, TitleStyle.Render(m.room))
	if m.leader {
		b.WriteString(LeaderBadge.Render(IconCrown + " leader"))
	} else {
		b.WriteString(FollowerBadge.Render("follower"))
	}
	b.WriteString("\n\n")

	switch {
	case !m.connected:
		fmt.Fprintf(&b, "%s Connecting to signaling...\n", m.spinner.View())
	case len(m.remote) > 0 && !m.synced:
		fmt.Fprintf(&b, "%s Syncing with peers...\n", m.spinner.View())
	case len(m.remote) > 0:
		fmt.Fprintf(&b, "%s Synced with %d peer(s)\n", SuccessStyle.Render(IconSuccess), len(m.remote))
	default:
		fmt.Fprintf(&b, "%s Waiting for peers...\n", m.spinner.View())
	}
	b.WriteString("\n")

	rows := make([]PeerRow, 0, len(m.remote)+len(m.local))
	for _, id := range m.remote {
		rows = append(rows, PeerRow{ID: id, Kind: PeerRemote})
	}
	for _, id := range m.local {
		rows = append(rows, PeerRow{ID: id, Kind: PeerLocal})
	}
	b.WriteString(PeersTableView(rows))
	b.WriteString("\n\n")

	if len(m.log) > 0 {
		b.WriteString(LogBoxStyle.Render(strings.Join(m.log, "\n")))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n" + MutedStyle.Render("enter to send, esc to leave"))
	return b.String()
}
