// Package ledger implements potter-rollout.jsonl, the append-only record of
// session and round boundaries kept in every project directory. It is read
// back on resume to decide where to continue and to replay history.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iambrandonn/potter/internal/ndjson"
)

// FileName is the ledger file inside a project directory.
const FileName = "potter-rollout.jsonl"

// Path returns the ledger path for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// CorruptionError reports a ledger line that cannot be decoded or that
// breaks the expected entry order. Line is 1-based; Entry is empty when the
// line's type could not be read.
type CorruptionError struct {
	Path   string
	Line   int
	Entry  EntryType
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("potter-rollout corrupt at line %d", e.Line)
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Entry != "" {
		msg += fmt.Sprintf(" (%s)", e.Entry)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Record is a decoded entry with the line it came from.
type Record struct {
	Line  int
	Entry Entry
}

// Entries returns the entries of records in order.
func Entries(records []Record) []Entry {
	out := make([]Entry, len(records))
	for i, r := range records {
		out[i] = r.Entry
	}
	return out
}

// Ledger appends entries to one potter-rollout file. A project has a
// single writer; concurrent writers are not detected here.
type Ledger struct {
	path   string
	logger *slog.Logger
}

// New returns a ledger for the project directory. Nothing is created until
// the first Append.
func New(projectDir string, logger *slog.Logger) *Ledger {
	return &Ledger{path: Path(projectDir), logger: logger}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one entry as one line and syncs it to disk before
// returning. Prior lines are never touched.
func (l *Ledger) Append(entry Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	if err := ndjson.NewEncoder(file, l.logger).Encode(line{Entry: entry}); err != nil {
		return fmt.Errorf("failed to append %s: %w", entry.EntryType(), err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.logger.Debug("ledger entry appended", "type", entry.EntryType(), "path", l.path)
	return nil
}

// ReadAll decodes the ledger strictly in file order. Blank lines, malformed
// known entries and ordering violations stop the read with a
// *CorruptionError. Entries of unknown type are skipped. An empty file
// yields no records and no error.
func ReadAll(path string, logger *slog.Logger) ([]Record, error) {
	records, _, err := read(path, logger)
	return records, err
}

// ReadIndex reads the ledger like ReadAll and returns its index. An empty
// file yields a nil index and no error.
func ReadIndex(path string, logger *slog.Logger) (*Index, error) {
	_, idx, err := read(path, logger)
	return idx, err
}

func read(path string, logger *slog.Logger) ([]Record, *Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var records []Record
	last := 0

	for {
		data, err := dec.ReadLine()
		if errors.Is(err, io.EOF) {
			// A trailing blank line is consumed without a record.
			if dec.Line() > last {
				return nil, nil, &CorruptionError{Path: path, Line: last + 1, Reason: "empty line"}
			}
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read ledger: %w", err)
		}

		lineNum := dec.Line()
		if lineNum > last+1 {
			return nil, nil, &CorruptionError{Path: path, Line: last + 1, Reason: "empty line"}
		}
		last = lineNum
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil, &CorruptionError{Path: path, Line: lineNum, Reason: "empty line"}
		}

		entry, typ, err := decodeEntry(data)
		if errors.Is(err, errUnknownEntry) {
			logger.Debug("skipping unknown ledger entry", "line", lineNum, "type", typ)
			continue
		}
		if err != nil {
			return nil, nil, &CorruptionError{Path: path, Line: lineNum, Entry: typ, Reason: "malformed entry", Err: err}
		}
		records = append(records, Record{Line: lineNum, Entry: entry})
	}

	if len(records) == 0 {
		return nil, nil, nil
	}
	idx, err := BuildIndex(records)
	if err != nil {
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			corrupt.Path = path
		}
		return nil, nil, err
	}
	return records, idx, nil
}
