package project

import (
	_ "embed"
	"strings"
)

// DoneMarker is the front matter line the agent sets once the goal is met.
const DoneMarker = "finite_incantatem: true"

var (
	//go:embed templates/project_main.md
	projectMainTemplate string

	//go:embed templates/developer_prompt.md
	developerPromptTemplate string

	//go:embed templates/prompt.md
	promptTemplate string
)

// RenderProjectMain renders a new progress file.
func RenderProjectMain(userPrompt, gitCommit string) string {
	return strings.NewReplacer(
		"{{USER_PROMPT}}", userPrompt,
		"{{GIT_COMMIT}}", gitCommit,
	).Replace(projectMainTemplate)
}

// RenderDeveloperPrompt renders the developer instructions sent with every
// thread of the project.
func RenderDeveloperPrompt(progressFileRel string) string {
	return strings.NewReplacer(
		"{{PROGRESS_FILE}}", progressFileRel,
		"{{DONE_MARKER}}", DoneMarker,
	).Replace(developerPromptTemplate)
}

// FixedPrompt is the user message submitted at the start of every round.
func FixedPrompt() string {
	return promptTemplate
}
