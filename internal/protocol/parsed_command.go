package protocol

// ParsedCommandType classifies a shell command the server has parsed.
type ParsedCommandType string

const (
	ParsedRead      ParsedCommandType = "read"
	ParsedListFiles ParsedCommandType = "list_files"
	ParsedSearch    ParsedCommandType = "search"
	ParsedUnknown   ParsedCommandType = "unknown"
)

// ParsedCommand is one element of exec_command_end.parsed_cmd.
type ParsedCommand struct {
	Type  ParsedCommandType `json:"type"`
	Cmd   string            `json:"cmd"`
	Name  string            `json:"name,omitempty"`
	Path  *string           `json:"path,omitempty"`
	Query *string           `json:"query,omitempty"`
}

// IsExploration reports whether the command only inspects the workspace.
func (p ParsedCommand) IsExploration() bool {
	switch p.Type {
	case ParsedRead, ParsedListFiles, ParsedSearch:
		return true
	}
	return false
}

// ReadCommand builds a read entry. Used by tests and the fake server.
func ReadCommand(cmd, name, path string) ParsedCommand {
	return ParsedCommand{Type: ParsedRead, Cmd: cmd, Name: name, Path: &path}
}

// ListFilesCommand builds a list_files entry; path may be empty.
func ListFilesCommand(cmd, path string) ParsedCommand {
	p := ParsedCommand{Type: ParsedListFiles, Cmd: cmd}
	if path != "" {
		p.Path = &path
	}
	return p
}

// SearchCommand builds a search entry; query and path may be empty.
func SearchCommand(cmd, query, path string) ParsedCommand {
	p := ParsedCommand{Type: ParsedSearch, Cmd: cmd}
	if query != "" {
		p.Query = &query
	}
	if path != "" {
		p.Path = &path
	}
	return p
}

// UnknownCommand builds an unknown entry.
func UnknownCommand(cmd string) ParsedCommand {
	return ParsedCommand{Type: ParsedUnknown, Cmd: cmd}
}
