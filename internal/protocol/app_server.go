package protocol

import "encoding/json"

// Client request and notification methods.
const (
	MethodInitialize     = "initialize"
	MethodInitialized    = "initialized"
	MethodThreadStart    = "thread/start"
	MethodThreadResume   = "thread/resume"
	MethodThreadRollback = "thread/rollback"
	MethodTurnStart      = "turn/start"
)

// EventMethodPrefix is the only notification namespace forwarded as events.
const EventMethodPrefix = "codex/event/"

// Server-initiated approval request methods.
const (
	MethodCommandExecutionApproval = "item/commandExecution/requestApproval"
	MethodFileChangeApproval       = "item/fileChange/requestApproval"
	MethodApplyPatchApproval       = "applyPatchApproval"
	MethodExecCommandApproval      = "execCommandApproval"
)

// ClientInfo identifies this client during initialize.
type ClientInfo struct {
	Name    string  `json:"name"`
	Title   *string `json:"title"`
	Version string  `json:"version"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// SandboxMode selects the app-server sandbox.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// Valid reports whether m is a known sandbox mode.
func (m SandboxMode) Valid() bool {
	switch m {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
		return true
	}
	return false
}

// AskForApproval is the approval policy requested for a thread.
type AskForApproval string

// ApprovalNever disables interactive approval prompts on the server side.
const ApprovalNever AskForApproval = "never"

// ThreadStartParams starts a fresh thread. Nullable members are always
// serialized so the server sees explicit nulls.
type ThreadStartParams struct {
	Model                 *string         `json:"model"`
	ModelProvider         *string         `json:"modelProvider"`
	Cwd                   *string         `json:"cwd"`
	ApprovalPolicy        *AskForApproval `json:"approvalPolicy"`
	Sandbox               *SandboxMode    `json:"sandbox"`
	Config                map[string]any  `json:"config"`
	BaseInstructions      *string         `json:"baseInstructions"`
	DeveloperInstructions *string         `json:"developerInstructions"`
	ExperimentalRawEvents bool            `json:"experimentalRawEvents"`
}

// ThreadResumeParams resumes an existing thread by id.
type ThreadResumeParams struct {
	ThreadID              string          `json:"threadId"`
	Model                 *string         `json:"model"`
	ModelProvider         *string         `json:"modelProvider"`
	Cwd                   *string         `json:"cwd"`
	ApprovalPolicy        *AskForApproval `json:"approvalPolicy"`
	Sandbox               *SandboxMode    `json:"sandbox"`
	Config                map[string]any  `json:"config"`
	BaseInstructions      *string         `json:"baseInstructions"`
	DeveloperInstructions *string         `json:"developerInstructions"`
}

// Thread is the thread descriptor returned by thread/start and thread/resume.
type Thread struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// ThreadResponse is the result of thread/start and thread/resume.
type ThreadResponse struct {
	Thread          Thread          `json:"thread"`
	Model           string          `json:"model"`
	ModelProvider   string          `json:"modelProvider"`
	Cwd             string          `json:"cwd"`
	ApprovalPolicy  AskForApproval  `json:"approvalPolicy,omitempty"`
	Sandbox         json.RawMessage `json:"sandbox,omitempty"`
	ReasoningEffort *string         `json:"reasoningEffort,omitempty"`
}

// ThreadRollbackParams drops the most recent turns from a thread.
type ThreadRollbackParams struct {
	ThreadID string `json:"threadId"`
	NumTurns int    `json:"numTurns"`
}

// TurnStartParams starts a turn on a thread.
type TurnStartParams struct {
	ThreadID          string          `json:"threadId"`
	Input             []UserInput     `json:"input"`
	Cwd               *string         `json:"cwd"`
	ApprovalPolicy    *AskForApproval `json:"approvalPolicy"`
	SandboxPolicy     json.RawMessage `json:"sandboxPolicy"`
	Model             *string         `json:"model"`
	Effort            *string         `json:"effort"`
	Summary           *string         `json:"summary"`
	OutputSchema      json.RawMessage `json:"outputSchema"`
	CollaborationMode *string         `json:"collaborationMode"`
}

// UserInputType tags a turn input item.
type UserInputType string

const (
	UserInputText       UserInputType = "text"
	UserInputImage      UserInputType = "image"
	UserInputLocalImage UserInputType = "localImage"
	UserInputSkill      UserInputType = "skill"
)

// UserInput is one turn input item. Only the members relevant to Type are serialized.
type UserInput struct {
	Type         UserInputType `json:"type"`
	Text         string        `json:"text,omitempty"`
	TextElements []any         `json:"text_elements,omitempty"`
	URL          string        `json:"url,omitempty"`
	Path         string        `json:"path,omitempty"`
	Name         string        `json:"name,omitempty"`
}

// MarshalJSON keeps text_elements present (possibly empty) on text items.
func (u UserInput) MarshalJSON() ([]byte, error) {
	switch u.Type {
	case UserInputText:
		elems := u.TextElements
		if elems == nil {
			elems = []any{}
		}
		return json.Marshal(struct {
			Type         UserInputType `json:"type"`
			Text         string        `json:"text"`
			TextElements []any         `json:"text_elements"`
		}{u.Type, u.Text, elems})
	case UserInputImage:
		return json.Marshal(struct {
			Type UserInputType `json:"type"`
			URL  string        `json:"url"`
		}{u.Type, u.URL})
	case UserInputLocalImage:
		return json.Marshal(struct {
			Type UserInputType `json:"type"`
			Path string        `json:"path"`
		}{u.Type, u.Path})
	case UserInputSkill:
		return json.Marshal(struct {
			Type UserInputType `json:"type"`
			Name string        `json:"name"`
			Path string        `json:"path"`
		}{u.Type, u.Name, u.Path})
	}
	type plain UserInput
	return json.Marshal(plain(u))
}

// TextInput builds a text input item.
func TextInput(text string) UserInput {
	return UserInput{Type: UserInputText, Text: text}
}

// ApprovalResponse answers every approval request kind. The decision
// vocabulary differs per method: "accept" for item approvals, "approved"
// for the legacy patch/exec approvals.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

const (
	DecisionAccept   = "accept"
	DecisionApproved = "approved"
)

// ApprovalDecision returns the unconditional approval for a server request
// method, or false when the method is not an approval request.
func ApprovalDecision(method string) (ApprovalResponse, bool) {
	switch method {
	case MethodCommandExecutionApproval, MethodFileChangeApproval:
		return ApprovalResponse{Decision: DecisionAccept}, true
	case MethodApplyPatchApproval, MethodExecCommandApproval:
		return ApprovalResponse{Decision: DecisionApproved}, true
	}
	return ApprovalResponse{}, false
}
