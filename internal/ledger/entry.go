package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iambrandonn/potter/internal/protocol"
)

// EntryType is the "type" discriminator of a ledger line.
type EntryType string

const (
	EntrySessionStarted   EntryType = "session_started"
	EntryRoundStarted     EntryType = "round_started"
	EntryRoundConfigured  EntryType = "round_configured"
	EntrySessionSucceeded EntryType = "session_succeeded"
	EntryRoundFinished    EntryType = "round_finished"
)

// Entry is implemented by the five ledger line types.
type Entry interface {
	EntryType() EntryType
}

// SessionStarted opens the ledger. It is always the first line.
type SessionStarted struct {
	UserMessage    *string `json:"user_message"`
	UserPromptFile string  `json:"user_prompt_file"`
}

type RoundStarted struct {
	Current uint32 `json:"current"`
	Total   uint32 `json:"total"`
}

// RoundConfigured binds a round to its upstream thread and rollout file.
// When the rollout path could not be canonicalized at record time, the raw
// value and the directory it was relative to are kept as well.
type RoundConfigured struct {
	ThreadID       string `json:"thread_id"`
	RolloutPath    string `json:"rollout_path"`
	RolloutPathRaw string `json:"rollout_path_raw,omitempty"`
	RolloutBaseDir string `json:"rollout_base_dir,omitempty"`
}

type SessionSucceeded struct {
	Rounds         uint32 `json:"rounds"`
	DurationSecs   uint64 `json:"duration_secs"`
	UserPromptFile string `json:"user_prompt_file"`
	GitCommitStart string `json:"git_commit_start"`
	GitCommitEnd   string `json:"git_commit_end"`
}

type RoundFinished struct {
	Outcome protocol.RoundOutcome `json:"outcome"`
}

func (*SessionStarted) EntryType() EntryType   { return EntrySessionStarted }
func (*RoundStarted) EntryType() EntryType     { return EntryRoundStarted }
func (*RoundConfigured) EntryType() EntryType  { return EntryRoundConfigured }
func (*SessionSucceeded) EntryType() EntryType { return EntrySessionSucceeded }
func (*RoundFinished) EntryType() EntryType    { return EntryRoundFinished }

// requiredFields lists the members that must be present and non-null for
// each entry type.
var requiredFields = map[EntryType][]string{
	EntrySessionStarted:   {"user_prompt_file"},
	EntryRoundStarted:     {"current", "total"},
	EntryRoundConfigured:  {"thread_id", "rollout_path"},
	EntrySessionSucceeded: {"rounds", "duration_secs", "user_prompt_file", "git_commit_start", "git_commit_end"},
	EntryRoundFinished:    {"outcome"},
}

var entryFactories = map[EntryType]func() Entry{
	EntrySessionStarted:   func() Entry { return &SessionStarted{} },
	EntryRoundStarted:     func() Entry { return &RoundStarted{} },
	EntryRoundConfigured:  func() Entry { return &RoundConfigured{} },
	EntrySessionSucceeded: func() Entry { return &SessionSucceeded{} },
	EntryRoundFinished:    func() Entry { return &RoundFinished{} },
}

// errUnknownEntry marks a well-formed line with a type this version does
// not know. Such lines are skipped.
var errUnknownEntry = errors.New("unknown ledger entry type")

// line is the on-disk form of an entry: the entry's members plus "type".
type line struct {
	Entry Entry
}

func (l line) MarshalJSON() ([]byte, error) {
	if l.Entry == nil {
		return nil, fmt.Errorf("ledger line has no entry")
	}
	body, err := json.Marshal(l.Entry)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(string(l.Entry.EntryType()))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1 : len(body)-1])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeEntry parses one ledger line. It returns the entry type it saw even
// on failure so callers can name it in errors.
func decodeEntry(data []byte) (Entry, EntryType, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}

	var typ EntryType
	rawType, ok := fields["type"]
	if !ok {
		return nil, "", fmt.Errorf("missing \"type\"")
	}
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, "", fmt.Errorf("invalid \"type\": %w", err)
	}

	factory, ok := entryFactories[typ]
	if !ok {
		return nil, typ, errUnknownEntry
	}

	for _, name := range requiredFields[typ] {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, typ, fmt.Errorf("missing required field %q", name)
		}
	}

	entry := factory()
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, typ, fmt.Errorf("invalid field: %w", err)
	}
	if finished, ok := entry.(*RoundFinished); ok {
		if err := finished.Outcome.Validate(); err != nil {
			return nil, typ, err
		}
	}
	return entry, typ, nil
}
