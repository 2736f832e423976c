package present

import "github.com/charmbracelet/lipgloss"

type styles struct {
	prompt  lipgloss.Style
	agent   lipgloss.Style
	potter  lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	exec    lipgloss.Style
	patch   lipgloss.Style
	faint   lipgloss.Style
	status  lipgloss.Style
	context lipgloss.Style
	command lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		prompt:  r.NewStyle().Bold(true),
		agent:   r.NewStyle(),
		potter:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		warning: r.NewStyle().Foreground(lipgloss.Color("214")),
		exec:    r.NewStyle().Foreground(lipgloss.Color("252")),
		patch:   r.NewStyle().Foreground(lipgloss.Color("114")),
		faint:   r.NewStyle().Faint(true),
		status:  r.NewStyle().Foreground(lipgloss.Color("245")),
		context: r.NewStyle().Foreground(lipgloss.Color("241")),
		command: r.NewStyle().Foreground(lipgloss.Color("51")),
	}
}
