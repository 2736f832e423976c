package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/potter/internal/ndjson"
	"github.com/iambrandonn/potter/internal/protocol"
)

// Record is one forwarded event with its arrival sequence number.
type Record struct {
	Seq uint64            `json:"seq"`
	At  time.Time         `json:"at"`
	Msg protocol.EventMsg `json:"msg"`
}

// RoundPath returns the event log path for a round of a project.
func RoundPath(projectDir string, round uint32) string {
	return filepath.Join(projectDir, "events", fmt.Sprintf("round-%d.ndjson", round))
}

// EventLog writes forwarded events to an NDJSON file. It is diagnostic
// only; nothing reads it back during a session.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	seq     uint64
	now     func() time.Time
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	// Ensure directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open file for appending (create if not exists)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Write appends an event under the next sequence number, starting at 1.
func (l *EventLog) Write(msg protocol.EventMsg) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec := Record{Seq: l.seq, At: l.now().UTC(), Msg: msg}
	if err := l.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to write event %d (%s): %w", rec.Seq, msg.Type(), err)
	}
	return nil
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadAll reads every record of an event log.
func ReadAll(path string, logger *slog.Logger) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var records []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
