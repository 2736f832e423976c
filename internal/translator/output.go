package translator

// Output is one unit the translator hands to the presentation layer.
// The set is closed: InsertCell, ActiveCell, StatusHeader, ContextWindow
// and PromptSubmitted.
type Output interface {
	isOutput()
}

// InsertCell commits a cell to the transcript.
type InsertCell struct {
	Cell Cell
}

// ActiveCell replaces the transient live cell. A nil Cell clears it.
type ActiveCell struct {
	Cell Cell
}

// StatusHeader updates the status line shown while a turn runs.
type StatusHeader struct {
	Header string
	// Details is an optional second line, such as the error being retried.
	Details string
}

// ContextWindow updates the context usage indicator. Exactly one of
// PercentLeft and UsedTokens is set.
type ContextWindow struct {
	PercentLeft *int64
	UsedTokens  *int64
}

// PromptSubmitted echoes the prompt sent at the start of a round.
type PromptSubmitted struct {
	Text string
}

func (InsertCell) isOutput()      {}
func (ActiveCell) isOutput()      {}
func (StatusHeader) isOutput()    {}
func (ContextWindow) isOutput()   {}
func (PromptSubmitted) isOutput() {}

// Label renders the indicator text.
func (c ContextWindow) Label() string {
	switch {
	case c.PercentLeft != nil:
		return formatPercentLeft(*c.PercentLeft)
	case c.UsedTokens != nil:
		return FormatTokensCompact(*c.UsedTokens) + " used"
	}
	return ""
}
