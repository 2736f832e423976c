// Package present prints translator output to a terminal as a plain,
// append-only transcript. It never redraws: live cells are tracked but only
// committed cells are written.
package present

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/potter/internal/protocol"
	"github.com/iambrandonn/potter/internal/translator"
)

// Presenter renders translator output and holds prompts queued for later
// sessions. It is safe for concurrent use.
type Presenter struct {
	mu     sync.Mutex
	w      io.Writer
	styles styles

	queue   []string
	active  translator.Cell
	header  string
	context string
	wrote   bool
}

// New returns a presenter writing to w. Colors follow w's terminal
// capabilities, so a non-terminal writer gets plain text.
func New(w io.Writer) *Presenter {
	return &Presenter{
		w:      w,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// Render handles one translator output.
func (p *Presenter) Render(out translator.Output) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch o := out.(type) {
	case translator.InsertCell:
		p.insert(o.Cell)
	case translator.ActiveCell:
		p.active = o.Cell
	case translator.StatusHeader:
		if o.Header == p.header && o.Details == "" {
			return
		}
		p.header = o.Header
		line := "◦ " + o.Header
		if p.context != "" {
			line += " · " + p.context
		}
		p.println(p.styles.status.Render(line))
		for _, d := range strings.Split(strings.TrimSpace(o.Details), "\n") {
			if d != "" {
				p.println(p.styles.faint.Render("  └ " + d))
			}
		}
	case translator.ContextWindow:
		p.context = o.Label()
	case translator.PromptSubmitted:
		for _, line := range strings.Split(strings.TrimRight(o.Text, "\n"), "\n") {
			p.println(p.styles.faint.Render("› " + line))
		}
	}
}

// RenderAll renders outputs in order.
func (p *Presenter) RenderAll(outs []translator.Output) {
	for _, out := range outs {
		p.Render(out)
	}
}

// Active returns the live cell last set by the translator, if any.
func (p *Presenter) Active() translator.Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// ContextLabel returns the last context window indicator.
func (p *Presenter) ContextLabel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context
}

// QueuePrompt buffers a prompt for a later session.
func (p *Presenter) QueuePrompt(prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, prompt)
}

// PopQueuedPrompt returns the oldest queued prompt.
func (p *Presenter) PopQueuedPrompt() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next, true
}

// PrintResumeNote tells the user how to continue an interrupted project.
func (p *Presenter) PrintResumeNote(command string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.println("")
	p.println(p.styles.prompt.Render("Note:") + " To continue this project, run:")
	p.println("  " + p.styles.command.Render(command))
}

func (p *Presenter) insert(cell translator.Cell) {
	if cell == nil {
		return
	}
	// Continuation segments of a streamed message join the previous cell.
	if msg, ok := cell.(*translator.AgentMessageCell); !ok || msg.First {
		if p.wrote {
			p.println("")
		}
	}
	style := p.styleFor(cell)
	for _, line := range cell.Lines() {
		p.println(style.Render(line))
	}
	p.wrote = true
}

func (p *Presenter) styleFor(cell translator.Cell) lipgloss.Style {
	switch c := cell.(type) {
	case *translator.UserPromptCell:
		return p.styles.prompt
	case *translator.AgentMessageCell:
		return p.styles.agent
	case *translator.ErrorCell, *translator.StreamGaveUpCell:
		return p.styles.failure
	case *translator.WarningCell, *translator.DeprecationCell, *translator.StreamRetryCell:
		return p.styles.warning
	case *translator.RoundFinishedCell:
		switch c.Outcome.Kind {
		case protocol.OutcomeTaskFailed, protocol.OutcomeFatal:
			return p.styles.failure
		}
		return p.styles.potter
	case *translator.SessionStartedCell, *translator.RoundStartedCell, *translator.SessionSucceededCell:
		return p.styles.potter
	case *translator.PatchCell:
		return p.styles.patch
	case *translator.ExecCell, *translator.RunSummaryCell, *translator.ExplorationCell:
		return p.styles.exec
	default:
		return p.styles.faint
	}
}

func (p *Presenter) println(s string) {
	fmt.Fprintln(p.w, s)
}
