package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/legisapp/legis/internal/models"
)

var (
	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("135"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

func roleLabel(r models.Role) string {
	if r == models.RoleUser {
		return userLabelStyle.Render("you")
	}
	return assistantLabelStyle.Render("assistant")
}

// printer serializes terminal output. Playback writes from the scheduler goroutine while the chat loop
// writes notices and errors.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	open bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) message(msg models.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintf(p.w, "%s: %s\n", roleLabel(msg.Role), msg.Content)
}

// startAnswer prints the assistant label and the first text of a growing answer.
func (p *printer) startAnswer(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintf(p.w, "%s: %s", roleLabel(models.RoleAssistant), text)
	p.open = true
}

func (p *printer) grow(delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, delta)
}

func (p *printer) endAnswer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintln(p.w, noticeStyle.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintln(p.w, errorStyle.Render("error: "+err.Error()))
}

func (p *printer) closeLocked() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}
