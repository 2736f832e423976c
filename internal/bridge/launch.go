package bridge

import "github.com/iambrandonn/potter/internal/protocol"

// LaunchConfig controls how the app-server is spawned and which sandbox
// new threads request.
type LaunchConfig struct {
	// SpawnSandbox is passed as --sandbox when non-empty.
	SpawnSandbox protocol.SandboxMode
	// ThreadSandbox is sent with thread/start and thread/resume.
	ThreadSandbox             protocol.SandboxMode
	BypassApprovalsAndSandbox bool
}

// LaunchConfigFromCLI maps command-line sandbox settings to a launch
// configuration. An empty mode means the server default.
func LaunchConfigFromCLI(mode protocol.SandboxMode, bypass bool) LaunchConfig {
	if bypass {
		return LaunchConfig{
			ThreadSandbox:             protocol.SandboxDangerFullAccess,
			BypassApprovalsAndSandbox: true,
		}
	}
	return LaunchConfig{SpawnSandbox: mode, ThreadSandbox: mode}
}

// Args returns the app-server command-line arguments.
func (l LaunchConfig) Args() []string {
	var args []string
	if l.BypassApprovalsAndSandbox {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	if l.SpawnSandbox != "" {
		args = append(args, "--sandbox", string(l.SpawnSandbox))
	}
	return append(args, "app-server")
}
