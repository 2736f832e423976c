package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/potter/internal/ndjson"
	"github.com/iambrandonn/potter/internal/protocol"
)

// Scenario scripts a fake app-server session.
type Scenario struct {
	ThreadID      string `json:"thread_id,omitempty"`
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"model_provider,omitempty"`
	// RolloutDir, when set, receives an upstream-style rollout file per thread.
	RolloutDir string `json:"rollout_dir,omitempty"`
	// Stderr is written to stderr once at startup.
	Stderr string `json:"stderr,omitempty"`
	// Turns lists the steps played for each turn/start, in order. Turns past
	// the end of the list complete immediately with a short agent message.
	Turns [][]Step `json:"turns,omitempty"`
	// FailMethod answers that request method with a JSON-RPC error.
	FailMethod string `json:"fail_method,omitempty"`
	// ExitAfter stops the server right after answering that method.
	ExitAfter string `json:"exit_after,omitempty"`
	// BeforeResponse plays steps ahead of the response to a request method.
	// Server requests among them must be answered before the response is
	// written.
	BeforeResponse map[string][]Step `json:"before_response,omitempty"`
}

// Step is one scripted action. Exactly one field is expected to be set.
type Step struct {
	Event   *protocol.EventMsg `json:"event,omitempty"`
	Request string             `json:"request,omitempty"`
	Raw     string             `json:"raw,omitempty"`
	Edit    *FileEdit          `json:"edit,omitempty"`
}

// FileEdit replaces text in a file relative to the server's working dir.
type FileEdit struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// EventStep wraps a payload as a step.
func EventStep(p protocol.EventPayload) Step {
	msg := protocol.NewEventMsg(p)
	return Step{Event: &msg}
}

// RequestStep sends a server request with the given method.
func RequestStep(method string) Step {
	return Step{Request: method}
}

// CompletedTurn is the step list of a turn that ends with message.
func CompletedTurn(message string) []Step {
	return []Step{
		EventStep(&protocol.TurnStartedEvent{}),
		EventStep(&protocol.AgentMessageEvent{Message: message}),
		EventStep(&protocol.TurnCompleteEvent{LastAgentMessage: &message}),
	}
}

var errScriptedExit = errors.New("scripted exit")

// answerTimeout bounds how long BeforeResponse waits for the client to
// answer a server request.
const answerTimeout = 5 * time.Second

// FakeAppServer is an in-process stand-in for `codex app-server`.
type FakeAppServer struct {
	Scenario Scenario

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	// Record, when set, receives every inbound message as NDJSON.
	Record io.Writer

	mu         sync.Mutex
	received   []protocol.Message
	answers    map[string]protocol.Message
	threadID   string
	turnIndex  int
	requestSeq int
	rollout    *os.File
}

// NewFakeAppServer creates a fake server over the given streams.
func NewFakeAppServer(scenario Scenario, stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger) *FakeAppServer {
	return &FakeAppServer{
		Scenario: scenario,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
		answers:  make(map[string]protocol.Message),
	}
}

// Run serves requests until stdin closes, ctx is cancelled or a scripted
// exit is reached. Inbound lines are read on a separate goroutine so that
// client replies never block behind scripted output.
func (s *FakeAppServer) Run(ctx context.Context) error {
	defer s.closeRollout()

	encoder := ndjson.NewEncoder(s.stdout, s.logger)
	decoder := ndjson.NewDecoder(s.stdin, s.logger)

	var recorder *ndjson.Encoder
	if s.Record != nil {
		recorder = ndjson.NewEncoder(s.Record, s.logger)
	}

	if s.Scenario.Stderr != "" && s.stderr != nil {
		io.WriteString(s.stderr, s.Scenario.Stderr)
	}

	requests := make(chan protocol.Message, 256)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		readErr <- s.readLoop(decoder, recorder, requests)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-requests:
			if !ok {
				return <-readErr
			}
			if err := s.handleRequest(encoder, &msg); err != nil {
				if errors.Is(err, errScriptedExit) {
					return nil
				}
				return err
			}
		}
	}
}

func (s *FakeAppServer) readLoop(decoder *ndjson.Decoder, recorder *ndjson.Encoder, requests chan<- protocol.Message) error {
	for {
		var msg protocol.Message
		err := decoder.Decode(&msg)
		var lineErr *ndjson.LineError
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &lineErr):
			continue
		default:
			return err
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
		if recorder != nil {
			recorder.Encode(msg)
		}

		switch msg.Kind() {
		case protocol.MessageKindRequest:
			requests <- msg
		case protocol.MessageKindResponse, protocol.MessageKindError:
			s.mu.Lock()
			s.answers[msg.ID.String()] = msg
			s.mu.Unlock()
		}
	}
}

// Received returns a copy of every message read so far.
func (s *FakeAppServer) Received() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.received))
	copy(out, s.received)
	return out
}

// Requests returns received requests with the given method.
func (s *FakeAppServer) Requests(method string) []protocol.Message {
	var out []protocol.Message
	for _, msg := range s.Received() {
		if msg.Kind() == protocol.MessageKindRequest && msg.Method == method {
			out = append(out, msg)
		}
	}
	return out
}

// Answer returns the client's reply to a server request id.
func (s *FakeAppServer) Answer(id protocol.RequestID) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.answers[id.String()]
	return msg, ok
}

// AnswerCount returns how many server requests have been answered.
func (s *FakeAppServer) AnswerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func (s *FakeAppServer) handleRequest(encoder *ndjson.Encoder, msg *protocol.Message) error {
	id := *msg.ID

	if err := s.playBeforeResponse(encoder, msg.Method); err != nil {
		return err
	}

	if s.Scenario.FailMethod == msg.Method {
		reply := protocol.ErrorResponse{ID: id, Error: protocol.RPCError{Code: -32000, Message: "scripted failure"}}
		if err := encoder.Encode(reply); err != nil {
			return err
		}
		return s.maybeExit(msg.Method)
	}

	var err error
	switch msg.Method {
	case protocol.MethodInitialize:
		err = encoder.Encode(protocol.Response{ID: id, Result: map[string]any{"userAgent": "fake-app-server/0.0.0"}})
	case protocol.MethodThreadStart:
		err = s.handleThread(encoder, id, "")
	case protocol.MethodThreadResume:
		var params protocol.ThreadResumeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return fmt.Errorf("failed to decode thread/resume params: %w", err)
		}
		err = s.handleThread(encoder, id, params.ThreadID)
	case protocol.MethodThreadRollback:
		var params protocol.ThreadRollbackParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return fmt.Errorf("failed to decode thread/rollback params: %w", err)
		}
		if err = encoder.Encode(protocol.Response{ID: id, Result: map[string]any{}}); err == nil {
			err = s.emit(encoder, protocol.NewEventMsg(&protocol.ThreadRolledBackEvent{NumTurns: params.NumTurns}))
		}
	case protocol.MethodTurnStart:
		err = s.handleTurn(encoder, id)
	default:
		err = encoder.Encode(protocol.ErrorResponse{
			ID:    id,
			Error: protocol.RPCError{Code: protocol.ErrorCodeMethodNotFound, Message: "method not found"},
		})
	}
	if err != nil {
		return err
	}
	return s.maybeExit(msg.Method)
}

func (s *FakeAppServer) maybeExit(method string) error {
	if s.Scenario.ExitAfter != "" && s.Scenario.ExitAfter == method {
		return errScriptedExit
	}
	return nil
}

func (s *FakeAppServer) handleThread(encoder *ndjson.Encoder, id protocol.RequestID, resumeID string) error {
	threadID := resumeID
	if threadID == "" {
		threadID = s.Scenario.ThreadID
	}
	if threadID == "" {
		threadID = "thread-" + uuid.New().String()[:8]
	}

	model := s.Scenario.Model
	if model == "" {
		model = "gpt-fake"
	}
	provider := s.Scenario.ModelProvider
	if provider == "" {
		provider = "openai"
	}
	cwd, _ := os.Getwd()

	path, err := s.openRollout(threadID, model, provider, cwd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.threadID = threadID
	s.mu.Unlock()

	return encoder.Encode(protocol.Response{ID: id, Result: protocol.ThreadResponse{
		Thread:         protocol.Thread{ID: threadID, Path: path},
		Model:          model,
		ModelProvider:  provider,
		Cwd:            cwd,
		ApprovalPolicy: protocol.ApprovalNever,
	}})
}

func (s *FakeAppServer) handleTurn(encoder *ndjson.Encoder, id protocol.RequestID) error {
	s.mu.Lock()
	idx := s.turnIndex
	s.turnIndex++
	s.mu.Unlock()

	turnID := fmt.Sprintf("turn-%d", idx+1)
	if err := encoder.Encode(protocol.Response{ID: id, Result: map[string]any{"turn": map[string]any{"id": turnID}}}); err != nil {
		return err
	}

	steps := CompletedTurn("done")
	if idx < len(s.Scenario.Turns) {
		steps = s.Scenario.Turns[idx]
	}

	for _, st := range steps {
		if err := s.play(encoder, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *FakeAppServer) playBeforeResponse(encoder *ndjson.Encoder, method string) error {
	for _, st := range s.Scenario.BeforeResponse[method] {
		if st.Request == "" {
			if err := s.play(encoder, st); err != nil {
				return err
			}
			continue
		}
		reqID, err := s.request(encoder, st.Request)
		if err != nil {
			return err
		}
		if err := s.awaitAnswer(reqID); err != nil {
			return fmt.Errorf("%s before %s response: %w", st.Request, method, err)
		}
	}
	return nil
}

func (s *FakeAppServer) awaitAnswer(id protocol.RequestID) error {
	deadline := time.Now().Add(answerTimeout)
	for time.Now().Before(deadline) {
		if _, ok := s.Answer(id); ok {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("no answer to server request %s", id)
}

func (s *FakeAppServer) request(encoder *ndjson.Encoder, method string) (protocol.RequestID, error) {
	s.mu.Lock()
	s.requestSeq++
	reqID := protocol.StringID(fmt.Sprintf("srv-%d", s.requestSeq))
	s.mu.Unlock()
	return reqID, encoder.Encode(protocol.Request{ID: reqID, Method: method, Params: map[string]any{}})
}

func (s *FakeAppServer) play(encoder *ndjson.Encoder, st Step) error {
	switch {
	case st.Event != nil:
		return s.emit(encoder, *st.Event)
	case st.Request != "":
		_, err := s.request(encoder, st.Request)
		return err
	case st.Raw != "":
		_, err := io.WriteString(s.stdout, st.Raw+"\n")
		return err
	case st.Edit != nil:
		return applyEdit(*st.Edit)
	}
	return nil
}

func (s *FakeAppServer) emit(encoder *ndjson.Encoder, msg protocol.EventMsg) error {
	s.writeRollout("event_msg", msg)
	return encoder.Encode(protocol.Notification{
		Method: protocol.EventMethodPrefix + string(msg.Type()),
		Params: protocol.Event{ID: "0", Msg: msg},
	})
}

func (s *FakeAppServer) openRollout(threadID, model, provider, cwd string) (string, error) {
	if s.Scenario.RolloutDir == "" {
		return "", nil
	}

	s.closeRollout()

	if err := os.MkdirAll(s.Scenario.RolloutDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create rollout dir: %w", err)
	}
	path := filepath.Join(s.Scenario.RolloutDir, fmt.Sprintf("rollout-%s.jsonl", threadID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to open rollout: %w", err)
	}

	s.mu.Lock()
	s.rollout = f
	s.mu.Unlock()

	s.writeRollout("session_meta", map[string]any{"id": threadID, "cwd": cwd, "model_provider": provider})
	s.writeRollout("turn_context", map[string]any{"cwd": cwd, "model": model})
	return path, nil
}

func (s *FakeAppServer) writeRollout(itemType string, payload any) {
	s.mu.Lock()
	f := s.rollout
	s.mu.Unlock()
	if f == nil {
		return
	}

	line, err := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"type":      itemType,
		"payload":   payload,
	})
	if err != nil {
		s.logger.Error("failed to encode rollout item", "error", err)
		return
	}
	f.Write(append(line, '\n'))
}

func (s *FakeAppServer) closeRollout() {
	s.mu.Lock()
	f := s.rollout
	s.rollout = nil
	s.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

func applyEdit(edit FileEdit) error {
	data, err := os.ReadFile(edit.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", edit.Path, err)
	}
	updated := strings.Replace(string(data), edit.Old, edit.New, 1)
	return os.WriteFile(edit.Path, []byte(updated), 0o644)
}
