package translator

import "strings"

// streamController accumulates agent_message_delta text and releases it one
// committed segment at a time. Only whole lines are committed while the
// stream is open; the trailing partial line waits for finalize.
type streamController struct {
	buf       strings.Builder
	committed bool
}

// push appends a delta. When the delta completes one or more lines, the
// completed lines are returned as the next segment.
func (s *streamController) push(delta string) *AgentMessageCell {
	s.buf.WriteString(delta)

	text := s.buf.String()
	cut := strings.LastIndexByte(text, '\n')
	if cut < 0 {
		return nil
	}

	s.buf.Reset()
	s.buf.WriteString(text[cut+1:])

	return s.segment(strings.Split(text[:cut], "\n"))
}

// finalize commits whatever is left and resets for the next message.
func (s *streamController) finalize() *AgentMessageCell {
	rest := strings.TrimRight(s.buf.String(), "\n")
	s.buf.Reset()

	var cell *AgentMessageCell
	if rest != "" {
		cell = s.segment(strings.Split(rest, "\n"))
	}
	s.committed = false
	return cell
}

func (s *streamController) segment(lines []string) *AgentMessageCell {
	if !s.committed {
		// A message never opens with blank lines.
		for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
			lines = lines[1:]
		}
		if len(lines) == 0 {
			return nil
		}
	}
	cell := &AgentMessageCell{Text: lines, First: !s.committed}
	s.committed = true
	return cell
}
