package translator

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/iambrandonn/potter/internal/protocol"
)

const (
	toolCallMaxLines          = 5
	userShellToolCallMaxLines = 50
	maxInteractionPreview     = 80
)

// ExecCall is one completed command.
type ExecCall struct {
	Command          []string
	Parsed           []protocol.ParsedCommand
	Source           protocol.ExecCommandSource
	InteractionInput string
	ExitCode         int
	Output           string
}

func newExecCall(ev *protocol.ExecCommandEndEvent) ExecCall {
	output := ev.AggregatedOutput
	if output == "" {
		output = ev.Stdout + ev.Stderr
	}
	call := ExecCall{
		Command:  ev.Command,
		Parsed:   ev.ParsedCmd,
		Source:   ev.Source,
		ExitCode: ev.ExitCode,
		Output:   output,
	}
	if ev.InteractionInput != nil {
		call.InteractionInput = *ev.InteractionInput
	}
	return call
}

func (c ExecCall) isUserShell() bool {
	return c.Source == protocol.ExecSourceUserShell
}

func (c ExecCall) isInteraction() bool {
	return c.Source == protocol.ExecSourceUnifiedExecInteraction
}

// isExploration reports whether the call only reads, lists or searches.
func (c ExecCall) isExploration() bool {
	if c.isUserShell() || c.isInteraction() || len(c.Parsed) == 0 {
		return false
	}
	for _, p := range c.Parsed {
		if !p.IsExploration() {
			return false
		}
	}
	return true
}

// isQuietSuccess reports whether the call succeeded and its output can be
// hidden, which also makes it eligible for run coalescing.
func (c ExecCall) isQuietSuccess() bool {
	return c.ExitCode == 0 && !c.isUserShell() && !c.isInteraction()
}

func (c ExecCall) readsOnly() bool {
	for _, p := range c.Parsed {
		if p.Type != protocol.ParsedRead {
			return false
		}
	}
	return true
}

// ExplorationCell groups consecutive read/list/search commands.
type ExplorationCell struct {
	Calls []ExecCall
	Live  bool
}

func (c *ExplorationCell) Lines() []string {
	header := "• Explored"
	if c.Live {
		header = "• Exploring"
	}

	var body []string
	calls := c.Calls
	for len(calls) > 0 {
		call := calls[0]
		calls = calls[1:]

		parsed := call.Parsed
		if call.readsOnly() {
			// Fold the following read-only calls into this one.
			parsed = append([]protocol.ParsedCommand(nil), parsed...)
			for len(calls) > 0 && calls[0].readsOnly() {
				parsed = append(parsed, calls[0].Parsed...)
				calls = calls[1:]
			}
			body = append(body, "Read "+strings.Join(uniqueNames(parsed), ", "))
			continue
		}

		for _, p := range parsed {
			body = append(body, explorationLine(p))
		}
	}

	return append([]string{header}, prefixLines(body, "  └ ", "    ")...)
}

func explorationLine(p protocol.ParsedCommand) string {
	switch p.Type {
	case protocol.ParsedRead:
		return "Read " + p.Name
	case protocol.ParsedListFiles:
		if p.Path != nil {
			return "List " + *p.Path
		}
		return "List " + p.Cmd
	case protocol.ParsedSearch:
		switch {
		case p.Query != nil && p.Path != nil:
			return "Search " + *p.Query + " in " + *p.Path
		case p.Query != nil:
			return "Search " + *p.Query
		}
		return "Search " + p.Cmd
	default:
		return "Run " + p.Cmd
	}
}

func uniqueNames(parsed []protocol.ParsedCommand) []string {
	seen := make(map[string]bool, len(parsed))
	var names []string
	for _, p := range parsed {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		names = append(names, p.Name)
	}
	return names
}

// RunSummaryCell groups consecutive successful commands. Output is never
// shown.
type RunSummaryCell struct {
	Calls []ExecCall
}

func (c *RunSummaryCell) Lines() []string {
	if len(c.Calls) == 0 {
		return nil
	}
	const header = "• Ran "
	lines := []string{header + commandPreview(c.Calls[0].Command)}
	indent := strings.Repeat(" ", utf8.RuneCountInString(header))
	for _, call := range c.Calls[1:] {
		lines = append(lines, indent+commandPreview(call.Command))
	}
	return lines
}

// ExecCell is a single command that is neither exploration nor a quiet
// success.
type ExecCell struct {
	Call ExecCall
}

func (c *ExecCell) Lines() []string {
	call := c.Call

	var header string
	switch {
	case call.isInteraction():
		header = "• " + interactionSummary(call.Command, call.InteractionInput)
	case call.isUserShell():
		header = "• You ran " + commandPreview(call.Command)
	default:
		header = "• Ran " + commandPreview(call.Command)
	}
	if call.ExitCode != 0 {
		header += fmt.Sprintf(" (exit %d)", call.ExitCode)
	}

	lines := []string{header}
	if call.isQuietSuccess() {
		return lines
	}

	limit := toolCallMaxLines
	if call.isUserShell() {
		limit = userShellToolCallMaxLines
	}
	output := headTail(splitLines(call.Output), limit)
	if len(output) == 0 {
		if call.isInteraction() {
			return lines
		}
		output = []string{"(no output)"}
	}
	return append(lines, prefixLines(output, "  └ ", "    ")...)
}

// headTail keeps the first and last limit lines and replaces the middle
// with an omission marker.
func headTail(lines []string, limit int) []string {
	if len(lines) <= 2*limit {
		return lines
	}
	out := make([]string, 0, 2*limit+1)
	out = append(out, lines[:limit]...)
	out = append(out, fmt.Sprintf("… +%d lines", len(lines)-2*limit))
	return append(out, lines[len(lines)-limit:]...)
}

// commandPreview shows the first line of a command and how many more
// follow.
func commandPreview(command []string) string {
	script := displayCommand(command)
	first, rest, multi := strings.Cut(script, "\n")
	if !multi {
		return first
	}
	return fmt.Sprintf("%s (... %d lines)", first, strings.Count(rest, "\n")+1)
}

// displayCommand unwraps `bash -lc <script>` and friends; anything else is
// shell-quoted.
func displayCommand(command []string) string {
	if script, ok := shellScript(command); ok {
		return script
	}
	return joinQuoted(command)
}

func shellScript(command []string) (string, bool) {
	if len(command) != 3 {
		return "", false
	}
	if command[1] != "-lc" && command[1] != "-c" {
		return "", false
	}
	name := strings.ToLower(filepath.Base(command[0]))
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "bash", "zsh", "sh":
		return command[2], true
	}
	return "", false
}

func interactionSummary(command []string, input string) string {
	cmd, ok := shellScript(command)
	if !ok {
		cmd = strings.Join(command, " ")
	}
	if input == "" {
		return fmt.Sprintf("Waited for `%s`", cmd)
	}
	preview := strings.ReplaceAll(input, "\n", `\n`)
	preview = strings.ReplaceAll(preview, "`", "\\`")
	if utf8.RuneCountInString(preview) > maxInteractionPreview {
		preview = string([]rune(preview)[:maxInteractionPreview]) + "..."
	}
	return fmt.Sprintf("Interacted with `%s`, sent `%s`", cmd, preview)
}

// joinQuoted joins argv POSIX-shell style, single-quoting words that need it.
func joinQuoted(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_./=:,+@%", r)
}
