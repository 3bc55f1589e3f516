// Package tui implements the interactive notebook: a document sidebar next
// to a chat pane, driven by slash commands and free-text questions.
package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/docchat/internal/extract"
	"github.com/kalambet/docchat/internal/rag"
	"github.com/kalambet/docchat/internal/registry"
)

// Notebook is the subset of rag.Service the notebook drives.
type Notebook interface {
	Upload(ctx context.Context, sessionID, name, declaredType string, data []byte) (rag.UploadResult, error)
	Ask(ctx context.Context, sessionID, question string) (rag.AskResult, error)
	Documents(sessionID string) []registry.Document
	History(sessionID string) []registry.Message
	Clear(sessionID string) error
}

const helpText = "Commands: /upload <path>  /docs  /clear  /help  /quit. Anything else is a question."

// Entry roles beyond the chat roles.
const (
	roleSystem = "system"
	roleError  = "error"
)

type entry struct {
	role    string
	text    string
	sources []string
}

type uploadedMsg struct {
	path string
	res  rag.UploadResult
	err  error
}

type answeredMsg struct {
	res rag.AskResult
	err error
}

type clearedMsg struct {
	err error
}

// Model is the Bubble Tea model for the notebook.
type Model struct {
	nb       Notebook
	ctx      context.Context
	session  string
	readFile func(string) ([]byte, error)

	input    textinput.Model
	viewport viewport.Model
	docs     []registry.Document
	entries  []entry
	status   string
	busy     bool
	ready    bool
	width    int
	height   int
}

// New creates a notebook bound to one session. Existing session history is
// shown on start.
func New(ctx context.Context, nb Notebook, session string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question or type /upload <path>"
	ti.Focus()
	ti.CharLimit = 0

	m := Model{
		nb:       nb,
		ctx:      ctx,
		session:  session,
		readFile: os.ReadFile,
		input:    ti,
		viewport: viewport.New(0, 0),
		docs:     nb.Documents(session),
		status:   helpText,
	}
	for _, msg := range nb.History(session) {
		m.entries = append(m.entries, entry{role: msg.Role, text: msg.Content})
	}
	return m
}

// WithReadFile replaces the function used to load files for /upload.
func (m Model) WithReadFile(fn func(string) ([]byte, error)) Model {
	m.readFile = fn
	return m
}

// Run starts the notebook full screen and blocks until it exits.
func Run(ctx context.Context, nb Notebook, session string) error {
	p := tea.NewProgram(New(ctx, nb, session), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if m.busy {
				m.status = "Still working, please wait."
				return m, nil
			}
			m.input.SetValue("")
			return m.submit(line)
		}

	case uploadedMsg:
		m.busy = false
		if msg.err != nil {
			m.addEntry(entry{role: roleError, text: rag.UserMessage(msg.err)})
			m.status = "Upload failed."
			return m, nil
		}
		m.docs = m.nb.Documents(m.session)
		name := msg.res.Document.Name
		if msg.res.Duplicate {
			m.addEntry(entry{role: roleSystem, text: fmt.Sprintf("%s is already indexed (%d chunks).", name, msg.res.Chunks)})
		} else {
			m.addEntry(entry{role: roleSystem, text: fmt.Sprintf("%s: %s", name, rag.UploadedMessage(msg.res.Chunks))})
		}
		m.status = "Ready."
		return m, nil

	case answeredMsg:
		m.busy = false
		if msg.err != nil {
			m.addEntry(entry{role: roleError, text: rag.UserMessage(msg.err)})
			m.status = "Ready."
			return m, nil
		}
		m.addEntry(entry{role: registry.RoleAssistant, text: msg.res.Answer, sources: msg.res.Sources})
		m.status = "Ready."
		return m, nil

	case clearedMsg:
		m.busy = false
		if msg.err != nil {
			m.addEntry(entry{role: roleError, text: "Clearing documents failed: " + msg.err.Error()})
			return m, nil
		}
		m.docs = nil
		m.entries = nil
		m.addEntry(entry{role: roleSystem, text: "All documents and history cleared."})
		m.status = "Ready."
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit dispatches one input line as a command or a question.
func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		m.addEntry(entry{role: registry.RoleUser, text: line})
		m.busy = true
		m.status = "Thinking..."
		return m, m.askCmd(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/upload":
		if arg == "" {
			m.status = "Usage: /upload <path>"
			return m, nil
		}
		m.busy = true
		m.status = "Uploading " + filepath.Base(arg) + "..."
		return m, m.uploadCmd(arg)
	case "/docs":
		m.docs = m.nb.Documents(m.session)
		m.addEntry(entry{role: roleSystem, text: docsSummary(m.docs)})
		return m, nil
	case "/clear":
		m.busy = true
		m.status = "Clearing..."
		return m, m.clearCmd()
	case "/help":
		m.status = helpText
		return m, nil
	case "/quit", "/exit":
		return m, tea.Quit
	default:
		m.status = fmt.Sprintf("Unknown command %s. %s", cmd, helpText)
		return m, nil
	}
}

func (m Model) askCmd(question string) tea.Cmd {
	nb, ctx, session := m.nb, m.ctx, m.session
	return func() tea.Msg {
		res, err := nb.Ask(ctx, session, question)
		return answeredMsg{res: res, err: err}
	}
}

func (m Model) uploadCmd(path string) tea.Cmd {
	nb, ctx, session, readFile := m.nb, m.ctx, m.session, m.readFile
	return func() tea.Msg {
		data, err := readFile(path)
		if err != nil {
			return uploadedMsg{path: path, err: fmt.Errorf("reading %s: %w", path, err)}
		}
		res, err := nb.Upload(ctx, session, filepath.Base(path), extract.DetectType(path, ""), data)
		return uploadedMsg{path: path, res: res, err: err}
	}
}

func (m Model) clearCmd() tea.Cmd {
	nb, session := m.nb, m.session
	return func() tea.Msg {
		return clearedMsg{err: nb.Clear(session)}
	}
}

func docsSummary(docs []registry.Document) string {
	if len(docs) == 0 {
		return "No documents uploaded yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d documents:", len(docs))
	for _, d := range docs {
		fmt.Fprintf(&b, "\n  %s (%d chunks)", d.Name, d.Chunks)
	}
	return b.String()
}

func (m *Model) addEntry(e entry) {
	m.entries = append(m.entries, e)
	m.viewport.SetContent(m.renderEntries())
	m.viewport.GotoBottom()
}

func (m *Model) resize() {
	cw, ch := chatBoxStyle.GetFrameSize()
	_, ih := inputBoxStyle.GetFrameSize()
	sw, _ := sidebarStyle.GetFrameSize()

	// header + status + one input line
	reserved := 2 + 1 + ih
	m.viewport.Width = max(20, m.width-sidebarWidth-sw-cw)
	m.viewport.Height = max(3, m.height-reserved-ch)
	m.input.Width = max(10, m.width-sidebarWidth-sw-cw-4)
	m.viewport.SetContent(m.renderEntries())
	m.viewport.GotoBottom()
}

// View renders the sidebar, chat pane, input and status line.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := titleStyle.Render("docchat") + mutedStyle.Render("  session "+shortID(m.session))
	chat := lipgloss.JoinVertical(lipgloss.Left,
		chatBoxStyle.Width(m.viewport.Width).Render(m.viewport.View()),
		inputBoxStyle.Width(m.viewport.Width).Render(m.input.View()),
	)
	sidebar := sidebarStyle.Height(max(1, lipgloss.Height(chat)-2)).Render(m.renderSidebar())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, chat)
	return header + "\n" + body + "\n" + statusStyle.Render(m.status)
}

func (m Model) renderSidebar() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Documents"))
	b.WriteString("\n")
	if len(m.docs) == 0 {
		b.WriteString(mutedStyle.Render("none yet"))
		return b.String()
	}
	for _, d := range m.docs {
		b.WriteString("\n" + d.Name + mutedStyle.Render(fmt.Sprintf(" (%d)", d.Chunks)))
	}
	return b.String()
}

func (m Model) renderEntries() string {
	if len(m.entries) == 0 {
		return mutedStyle.Render("Upload a document with /upload <path>, then ask a question.")
	}
	wrap := lipgloss.NewStyle().Width(max(10, m.viewport.Width))
	parts := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		var s string
		switch e.role {
		case registry.RoleUser:
			s = userStyle.Render("You: ") + e.text
		case registry.RoleAssistant:
			s = assistantStyle.Render("Assistant: ") + e.text
			if len(e.sources) > 0 {
				s += "\n" + mutedStyle.Render("Sources: "+strings.Join(e.sources, ", "))
			}
		case roleError:
			s = errorStyle.Render(e.text)
		default:
			s = systemStyle.Render(e.text)
		}
		parts = append(parts, wrap.Render(s))
	}
	return strings.Join(parts, "\n\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
