package planner

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/taskflow/internal/models"
)

// MarkdownParser reads plans written as Markdown:
//
//	---
//	priority: high
//	user_id: alice
//	---
//	# Plan title
//
//	Optional description paragraph.
//
//	## Step 1: Fetch the page
//	```yaml
//	action_type: tool_call
//	action_params:
//	  tool_name: http_get
//	  params: {url: "https://example.com"}
//	```
//
// A step without a yaml block is an informational step.
type MarkdownParser struct {
	markdown goldmark.Markdown
}

var stepHeading = regexp.MustCompile(`^Step\s+(\d+)\s*[:.-]\s*(.+)$`)

// stepBlock is the yaml block under a step heading
type stepBlock struct {
	ActionType   models.ActionType `yaml:"action_type"`
	ActionParams map[string]any    `yaml:"action_params"`
	Description  string            `yaml:"description"`
}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{markdown: goldmark.New()}
}

func (p *MarkdownParser) Parse(r io.Reader) (*PlanFile, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var doc planDocument
	body, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		if err := yaml.Unmarshal(frontmatter, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
	}
	if len(doc.Steps) > 0 {
		return nil, fmt.Errorf("steps belong in '## Step N:' sections, not in frontmatter")
	}

	root := p.markdown.Parser().Parse(text.NewReader(body))
	steps, title, description, err := extractSteps(root, body)
	if err != nil {
		return nil, err
	}
	if doc.Title == "" {
		doc.Title = title
	}
	if doc.Description == "" {
		doc.Description = description
	}
	doc.Steps = steps
	return doc.toPlanFile(), nil
}

// extractSteps walks the top-level blocks. The first level-1 heading is the
// title, paragraphs before the first step form the description.
func extractSteps(root ast.Node, source []byte) ([]models.PlanStep, string, string, error) {
	var (
		steps   []models.PlanStep
		current *models.PlanStep
		title   string
		desc    []string
	)

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			heading := strings.TrimSpace(extractText(node, source))
			if node.Level == 1 && title == "" && current == nil {
				title = heading
				continue
			}
			if node.Level != 2 {
				continue
			}
			if current != nil {
				steps = append(steps, *current)
				current = nil
			}
			m := stepHeading.FindStringSubmatch(heading)
			if m == nil {
				continue
			}
			num, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, "", "", fmt.Errorf("step heading %q: %w", heading, err)
			}
			current = &models.PlanStep{
				StepNum:     num,
				Description: strings.TrimSpace(m[2]),
				ActionType:  models.ActionOther,
			}

		case *ast.FencedCodeBlock:
			if current == nil {
				continue
			}
			lang := strings.ToLower(string(node.Language(source)))
			if lang != "yaml" && lang != "yml" {
				continue
			}
			var block stepBlock
			if err := yaml.Unmarshal(blockLines(node, source), &block); err != nil {
				return nil, "", "", fmt.Errorf("step %d: invalid yaml block: %w", current.StepNum, err)
			}
			if block.ActionType != "" {
				current.ActionType = block.ActionType
			}
			if block.ActionParams != nil {
				current.ActionParams = block.ActionParams
			}
			if block.Description != "" {
				current.Description = block.Description
			}

		case *ast.Paragraph:
			if current == nil && len(steps) == 0 {
				desc = append(desc, strings.TrimSpace(string(blockLines(node, source))))
			}
		}
	}
	if current != nil {
		steps = append(steps, *current)
	}
	return steps, title, strings.Join(desc, "\n\n"), nil
}

// extractText concatenates the text segments below n
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
			continue
		}
		buf.WriteString(extractText(c, source))
	}
	return buf.String()
}

func blockLines(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.Bytes()
}

// extractFrontmatter splits a leading '---' delimited block from content
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			frontmatter := bytes.Join(lines[1:i], []byte("\n"))
			body := bytes.Join(lines[i+1:], []byte("\n"))
			return body, frontmatter
		}
	}
	return content, nil
}
