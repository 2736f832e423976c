package translator

import "strings"

// DefaultStatusHeader is shown when a turn starts.
const DefaultStatusHeader = "Working"

// extractFirstBold returns the trimmed text of the first **...** span in s.
// An unterminated or blank span yields false.
func extractFirstBold(s string) (string, bool) {
	start := strings.Index(s, "**")
	if start < 0 {
		return "", false
	}
	rest := s[start+2:]
	end := strings.Index(rest, "**")
	if end < 0 {
		return "", false
	}
	inner := strings.TrimSpace(rest[:end])
	return inner, inner != ""
}

// reasoningStatus derives the status header from streamed reasoning text.
type reasoningStatus struct {
	buf    strings.Builder
	header string
}

func (r *reasoningStatus) reset() {
	r.buf.Reset()
}

// onDelta appends reasoning text and returns a new header when the first
// bold span differs from the one currently shown.
func (r *reasoningStatus) onDelta(delta string) (string, bool) {
	r.buf.WriteString(delta)
	header, ok := extractFirstBold(r.buf.String())
	if !ok || header == r.header {
		return "", false
	}
	r.header = header
	return header, true
}

// setHeader records a header chosen elsewhere so onDelta can dedupe against it.
func (r *reasoningStatus) setHeader(header string) {
	r.header = header
}
