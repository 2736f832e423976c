package translator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/iambrandonn/potter/internal/protocol"
)

// Cell is a display unit. Lines are plain text; styling is left to the
// presenter, which switches on the concrete type.
type Cell interface {
	Lines() []string
}

// prefixLines indents the first line with first and the rest with rest.
func prefixLines(lines []string, first, rest string) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if i == 0 {
			out = append(out, first+line)
		} else {
			out = append(out, rest+line)
		}
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// capitalizeFirst upper-cases the first ASCII letter.
func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}

// UserPromptCell shows the user's goal when a session starts.
type UserPromptCell struct {
	Text string
}

func (c *UserPromptCell) Lines() []string {
	return prefixLines(splitLines(c.Text), "› ", "  ")
}

// AgentMessageCell is one committed segment of an agent message. Only the
// first segment of a message carries the bullet.
type AgentMessageCell struct {
	Text  []string
	First bool
}

func (c *AgentMessageCell) Lines() []string {
	if c.First {
		return prefixLines(c.Text, "• ", "  ")
	}
	return prefixLines(c.Text, "  ", "  ")
}

type WarningCell struct {
	Message string
}

func (c *WarningCell) Lines() []string {
	return prefixLines(splitLines(c.Message), "⚠ ", "  ")
}

type ErrorCell struct {
	Message string
}

func (c *ErrorCell) Lines() []string {
	return prefixLines(splitLines(c.Message), "■ ", "  ")
}

// InfoCell is a one-line note from the backend, such as a compaction.
type InfoCell struct {
	Message string
}

func (c *InfoCell) Lines() []string {
	return []string{"• " + c.Message}
}

type PlanCell struct {
	Explanation string
	Items       []protocol.PlanItem
}

func (c *PlanCell) Lines() []string {
	lines := []string{"• Updated Plan"}
	var body []string
	if note := strings.TrimSpace(c.Explanation); note != "" {
		body = append(body, splitLines(note)...)
	}
	if len(c.Items) == 0 {
		body = append(body, "(no steps provided)")
	}
	for _, item := range c.Items {
		box := "□ "
		if item.Status == protocol.PlanCompleted {
			box = "✔ "
		}
		body = append(body, box+item.Step)
	}
	return append(lines, prefixLines(body, "  └ ", "    ")...)
}

// PatchCell reports an apply_patch result.
type PatchCell struct {
	Success bool
	Files   []string
	Stderr  string
}

// newPatchCell lists changed paths relative to cwd, sorted.
func newPatchCell(ev *protocol.PatchApplyEndEvent, cwd string) *PatchCell {
	cell := &PatchCell{Success: ev.Success, Stderr: ev.Stderr}
	for path := range ev.Changes {
		cell.Files = append(cell.Files, displayPath(path, cwd))
	}
	sort.Strings(cell.Files)
	return cell
}

func (c *PatchCell) Lines() []string {
	if !c.Success {
		lines := []string{"✘ Failed to apply patch"}
		out := headTail(splitLines(c.Stderr), toolCallMaxLines)
		return append(lines, prefixLines(out, "  └ ", "    ")...)
	}

	noun := "files"
	if len(c.Files) == 1 {
		noun = "file"
	}
	lines := []string{fmt.Sprintf("• Edited %d %s", len(c.Files), noun)}
	return append(lines, prefixLines(c.Files, "  └ ", "    ")...)
}

type WebSearchCell struct {
	Query string
}

func (c *WebSearchCell) Lines() []string {
	return []string{"• Searched " + c.Query}
}

type ViewImageCell struct {
	Path string
}

func (c *ViewImageCell) Lines() []string {
	return []string{"• Viewed Image", "  └ " + c.Path}
}

type DeprecationCell struct {
	Summary string
	Details string
}

func (c *DeprecationCell) Lines() []string {
	lines := []string{"⚠ " + c.Summary}
	return append(lines, splitLines(c.Details)...)
}

// SessionStartedCell points at the project file created for the session.
type SessionStartedCell struct {
	UserPromptFile string
}

func (c *SessionStartedCell) Lines() []string {
	return []string{"  ↳ Project created: " + c.UserPromptFile}
}

type RoundStartedCell struct {
	Current uint32
	Total   uint32
}

func (c *RoundStartedCell) Lines() []string {
	return []string{fmt.Sprintf("• CodexPotter: iteration round %d/%d", c.Current, c.Total)}
}

// RoundFinishedCell is emitted for real round ends only, never for the
// synthetic marker that closes a replayed unfinished round.
type RoundFinishedCell struct {
	Outcome protocol.RoundOutcome
}

func (c *RoundFinishedCell) Lines() []string {
	switch c.Outcome.Kind {
	case protocol.OutcomeCompleted:
		return []string{"• CodexPotter: round completed"}
	case protocol.OutcomeUserRequested:
		return []string{"• CodexPotter: round interrupted"}
	case protocol.OutcomeTaskFailed:
		return []string{"■ CodexPotter: round failed", "  └ " + c.Outcome.Message}
	default:
		return []string{"■ CodexPotter: round ended with a fatal error"}
	}
}

type SessionSucceededCell struct {
	Rounds         uint32
	Duration       time.Duration
	UserPromptFile string
	GitCommitStart string
	GitCommitEnd   string
}

func (c *SessionSucceededCell) Lines() []string {
	lines := []string{
		"",
		fmt.Sprintf("  CodexPotter summary: iterated %d rounds in %s.", c.Rounds, FormatElapsedCompact(c.Duration)),
		"",
		"    Task history: " + c.UserPromptFile,
	}
	if c.GitCommitStart != "" || c.GitCommitEnd != "" {
		lines = append(lines, "", fmt.Sprintf("    Git:          %s -> %s", shortCommit(c.GitCommitStart), shortCommit(c.GitCommitEnd)))
	}
	return lines
}

type StreamRetryCell struct {
	Attempt      uint32
	MaxAttempts  uint32
	ErrorMessage string
}

func (c *StreamRetryCell) Lines() []string {
	lines := []string{fmt.Sprintf("• CodexPotter: retry %d/%d", c.Attempt, c.MaxAttempts)}
	msg := capitalizeFirst(strings.TrimLeft(c.ErrorMessage, " \t"))
	return append(lines, prefixLines(splitLines(msg), "  └ ", "    ")...)
}

type StreamGaveUpCell struct {
	MaxAttempts  uint32
	ErrorMessage string
}

func (c *StreamGaveUpCell) Lines() []string {
	lines := []string{fmt.Sprintf("■ CodexPotter: unrecoverable error after %d retries", c.MaxAttempts)}
	msg := capitalizeFirst(strings.TrimLeft(c.ErrorMessage, " \t"))
	return append(lines, prefixLines(splitLines(msg), "  ", "  ")...)
}

func shortCommit(commit string) string {
	if len(commit) <= 7 {
		return commit
	}
	return commit[:7]
}

// FormatElapsedCompact renders 42s, 1m 05s or 1h 02m 03s.
func FormatElapsedCompact(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %02dm %02ds", secs/3600, (secs%3600)/60, secs%60)
	}
}

// displayPath shows paths under cwd relative to it.
func displayPath(path, cwd string) string {
	if cwd == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
