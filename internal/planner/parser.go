// Package planner reads plan files (Markdown, YAML or JSON) into plan
// requests and feeds an inbox directory of plan files to the engine.
package planner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/taskflow/internal/models"
)

// Format represents the format of a plan file
type Format int

const (
	// FormatUnknown represents an unknown or unsupported file format
	FormatUnknown Format = iota
	// FormatMarkdown represents a Markdown (.md, .markdown) plan file
	FormatMarkdown
	// FormatYAML represents a YAML (.yaml, .yml) plan file
	FormatYAML
	// FormatJSON represents a JSON (.json) plan file
	FormatJSON
)

// String returns the string representation of the Format
func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// PlanFile is a parsed plan together with the owner it declares, if any
type PlanFile struct {
	Path   string
	Format Format
	Owner  models.Owner
	Plan   models.PlanRequest
}

// Parser is the interface that all plan parsers implement
type Parser interface {
	Parse(r io.Reader) (*PlanFile, error)
}

// DetectFormat detects the plan format from the file extension
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatUnknown
	}
}

// NewParser creates a parser for the specified format
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownParser(), nil
	case FormatYAML:
		return NewYAMLParser(), nil
	case FormatJSON:
		return jsonParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// ParseFile detects the format of path, parses it and records the path
func ParseFile(path string) (*PlanFile, error) {
	format := DetectFormat(path)
	p, err := NewParser(format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	defer f.Close()

	pf, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pf.Path = path
	pf.Format = format
	return pf, nil
}

// planDocument is the on-disk shape of YAML and JSON plans and of Markdown
// frontmatter
type planDocument struct {
	UserID             string `yaml:"user_id" json:"user_id"`
	SessionID          string `yaml:"session_id" json:"session_id"`
	models.PlanRequest `yaml:",inline"`
}

func (d planDocument) toPlanFile() *PlanFile {
	return &PlanFile{
		Owner: models.Owner{UserID: d.UserID, SessionID: d.SessionID},
		Plan:  d.PlanRequest,
	}
}

type jsonParser struct{}

func (jsonParser) Parse(r io.Reader) (*PlanFile, error) {
	var doc planDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON plan: %w", err)
	}
	return doc.toPlanFile(), nil
}
