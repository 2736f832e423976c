package bridge

import (
	"context"
	"encoding/json"

	"github.com/iambrandonn/potter/internal/protocol"
)

// ClientName identifies this client to the app-server.
const ClientName = "codex-potter"

// ContinuePrompt is sent to resume work in an existing thread.
const ContinuePrompt = "Continue"

// NewClientInfo returns the initialize identity for the given version.
func NewClientInfo(version string) protocol.ClientInfo {
	title := ClientName
	return protocol.ClientInfo{Name: ClientName, Title: &title, Version: version}
}

// ThreadOptions are the per-thread settings shared by start and resume.
type ThreadOptions struct {
	Cwd                   string
	Sandbox               protocol.SandboxMode
	DeveloperInstructions string
}

func (o ThreadOptions) cwd() *string {
	if o.Cwd == "" {
		return nil
	}
	cwd := o.Cwd
	return &cwd
}

func (o ThreadOptions) sandbox() *protocol.SandboxMode {
	if o.Sandbox == "" {
		return nil
	}
	mode := o.Sandbox
	return &mode
}

func (o ThreadOptions) instructions() *string {
	if o.DeveloperInstructions == "" {
		return nil
	}
	text := o.DeveloperInstructions
	return &text
}

// Handshake performs initialize followed by the initialized notification.
func (c *Client) Handshake(ctx context.Context, info protocol.ClientInfo) error {
	var result json.RawMessage
	if err := c.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{ClientInfo: info}, &result); err != nil {
		return &HandshakeError{Err: err}
	}
	if err := c.Notify(protocol.MethodInitialized, nil); err != nil {
		return &HandshakeError{Err: err}
	}
	c.logger.Info("app-server initialized", "client", info.Name, "version", info.Version)
	return nil
}

// StartThread starts a fresh thread and queues the matching
// session_configured event ahead of any turn events.
func (c *Client) StartThread(ctx context.Context, opts ThreadOptions) (*protocol.ThreadResponse, error) {
	policy := protocol.ApprovalNever
	params := protocol.ThreadStartParams{
		Cwd:                   opts.cwd(),
		ApprovalPolicy:        &policy,
		Sandbox:               opts.sandbox(),
		DeveloperInstructions: opts.instructions(),
	}

	var resp protocol.ThreadResponse
	if err := c.Call(ctx, protocol.MethodThreadStart, params, &resp); err != nil {
		return nil, &SessionStartError{Method: protocol.MethodThreadStart, Err: err}
	}

	c.logger.Info("thread started", "thread_id", resp.Thread.ID, "model", resp.Model)
	c.inject(protocol.NewEventMsg(SessionConfigured(&resp)))
	return &resp, nil
}

// ResumeThread reattaches to an existing thread.
func (c *Client) ResumeThread(ctx context.Context, threadID string, opts ThreadOptions) (*protocol.ThreadResponse, error) {
	policy := protocol.ApprovalNever
	params := protocol.ThreadResumeParams{
		ThreadID:              threadID,
		Cwd:                   opts.cwd(),
		ApprovalPolicy:        &policy,
		Sandbox:               opts.sandbox(),
		DeveloperInstructions: opts.instructions(),
	}

	var resp protocol.ThreadResponse
	if err := c.Call(ctx, protocol.MethodThreadResume, params, &resp); err != nil {
		return nil, &SessionStartError{Method: protocol.MethodThreadResume, Err: err}
	}

	c.logger.Info("thread resumed", "thread_id", resp.Thread.ID, "model", resp.Model)
	c.inject(protocol.NewEventMsg(SessionConfigured(&resp)))
	return &resp, nil
}

// RollbackThread drops the most recent numTurns turns.
func (c *Client) RollbackThread(ctx context.Context, threadID string, numTurns int) error {
	params := protocol.ThreadRollbackParams{ThreadID: threadID, NumTurns: numTurns}
	return c.Call(ctx, protocol.MethodThreadRollback, params, nil)
}

// StartTurn submits a text prompt on the thread. outputSchema may be nil.
func (c *Client) StartTurn(ctx context.Context, threadID, prompt string, outputSchema json.RawMessage) error {
	params := protocol.TurnStartParams{
		ThreadID:     threadID,
		Input:        []protocol.UserInput{protocol.TextInput(prompt)},
		OutputSchema: outputSchema,
	}
	return c.Call(ctx, protocol.MethodTurnStart, params, nil)
}

// SessionConfigured derives the session_configured event from a thread
// response.
func SessionConfigured(resp *protocol.ThreadResponse) *protocol.SessionConfiguredEvent {
	return &protocol.SessionConfiguredEvent{
		SessionID:       resp.Thread.ID,
		Model:           resp.Model,
		ModelProviderID: resp.ModelProvider,
		Cwd:             resp.Cwd,
		ReasoningEffort: resp.ReasoningEffort,
		RolloutPath:     resp.Thread.Path,
	}
}
