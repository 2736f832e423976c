package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// MaxMessageSize is the maximum NDJSON message size (16 MiB).
// Aggregated command output from the app-server can be large.
const MaxMessageSize = 16 * 1024 * 1024

// LineError reports a line that could not be decoded. The decoder stays
// usable: the next call reads the following line.
type LineError struct {
	Line int
	Raw  []byte
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("failed to decode line %d: %v (raw: %s)", e.Line, e.Err, preview(e.Raw))
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Encoder writes NDJSON messages to an output stream.
// It is safe for concurrent use.
type Encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for real-time communication
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Line returns the number of the most recently read line (1-based).
func (d *Decoder) Line() int {
	return d.lineNum
}

// ReadLine returns the next non-empty line. The returned slice is a copy
// and remains valid after subsequent reads.
func (d *Decoder) ReadLine() ([]byte, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner error at line %d: %w", d.lineNum+1, err)
			}
			return nil, io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		line := make([]byte, len(data))
		copy(line, data)
		return line, nil
	}
}

// Decode reads the next NDJSON message into v. A line that is not valid
// JSON for v yields a *LineError.
func (d *Decoder) Decode(v any) error {
	line, err := d.ReadLine()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(line, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", preview(line))
		return &LineError{Line: d.lineNum, Raw: line, Err: err}
	}

	return nil
}

func preview(data []byte) string {
	const limit = 200
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
