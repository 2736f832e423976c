package project

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/potter/internal/fsutil"
)

var (
	// ErrMissingFrontMatter indicates the progress file does not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("progress file: missing front matter")
	// ErrMalformedFrontMatter indicates the closing fence is missing or the YAML is not a mapping.
	ErrMalformedFrontMatter = errors.New("progress file: malformed front matter")
)

const finiteIncantatemKey = "finite_incantatem"

// FrontMatter holds the progress file fields potter reads. Everything else
// in the block belongs to the agent and is preserved untouched.
type FrontMatter struct {
	Status           string `yaml:"status"`
	FiniteIncantatem bool   `yaml:"finite_incantatem"`
	GitCommit        string `yaml:"git_commit"`
}

// ReadFrontMatter parses the front matter of the progress file at path.
func ReadFrontMatter(path string) (FrontMatter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return FrontMatter{}, fmt.Errorf("failed to read progress file: %w", err)
	}
	meta, _, err := splitFrontMatter(content)
	if err != nil {
		return FrontMatter{}, err
	}
	var fm FrontMatter
	if err := yaml.Unmarshal(meta, &fm); err != nil {
		return FrontMatter{}, fmt.Errorf("progress file: parse front matter: %w", err)
	}
	return fm, nil
}

// HasFiniteIncantatem reports whether the agent marked the goal done. A
// progress file without front matter is not done.
func HasFiniteIncantatem(path string) (bool, error) {
	fm, err := ReadFrontMatter(path)
	if errors.Is(err, ErrMissingFrontMatter) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fm.FiniteIncantatem, nil
}

// GitCommitStart returns the git_commit recorded when the project was
// created, or "" when the file has none.
func GitCommitStart(path string) (string, error) {
	fm, err := ReadFrontMatter(path)
	if errors.Is(err, ErrMissingFrontMatter) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fm.GitCommit, nil
}

// SetFiniteIncantatem rewrites the finite_incantatem field in place,
// adding it when absent. Other keys, their order and the document body
// are kept.
func SetFiniteIncantatem(path string, value bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read progress file: %w", err)
	}
	meta, body, err := splitFrontMatter(content)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(meta, &doc); err != nil {
		return fmt.Errorf("progress file: parse front matter: %w", err)
	}
	mapping, err := frontMatterMapping(&doc)
	if err != nil {
		return err
	}
	setBool(mapping, finiteIncantatemKey, value)
	out := &doc
	if doc.Kind == 0 {
		out = mapping
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("progress file: encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("progress file: encode front matter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(body)

	if err := fsutil.AtomicWrite(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write progress file: %w", err)
	}
	return nil
}

// splitFrontMatter returns the YAML between the opening and closing "---"
// fences and everything after the closing fence.
func splitFrontMatter(content []byte) (meta, body []byte, err error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return nil, rest[4:], nil
	}
	idx := bytes.Index(rest, []byte("\n---\n"))
	if idx < 0 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, nil
		}
		return nil, nil, ErrMalformedFrontMatter
	}
	return rest[:idx+1], rest[idx+5:], nil
}

func frontMatterMapping(doc *yaml.Node) (*yaml.Node, error) {
	if doc.Kind == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, ErrMalformedFrontMatter
	}
	return doc.Content[0], nil
}

func setBool(mapping *yaml.Node, key string, value bool) {
	text := "false"
	if value {
		text = "true"
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			v := mapping.Content[i+1]
			v.Kind = yaml.ScalarNode
			v.Tag = "!!bool"
			v.Value = text
			v.Style = 0
			v.Content = nil
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: text},
	)
}
