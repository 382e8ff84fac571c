// Package skills parses SKILL.md files into dynamically mounted tools:
// a watched directory tree of YAML front-matter + Markdown knowledge
// files, exposed to the model as tool specs.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/llm"
)

// SkillFileName is the only file name the registry parses.
const SkillFileName = "SKILL.md"

// Parameter is one declared skill parameter.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Type        string   `yaml:"type" json:"type,omitempty"`
	Required    bool     `yaml:"required" json:"required,omitempty"`
	Default     any      `yaml:"default" json:"default,omitempty"`
	Enum        []string `yaml:"enum" json:"enum,omitempty"`
}

// Skill is one parsed SKILL.md file.
type Skill struct {
	Name        string
	Description string
	Category    string
	Version     string
	Author      string
	Command     string
	Parameters  []Parameter
	Knowledge   string
	Dir         string
}

// frontMatter is the YAML document before the knowledge body.
type frontMatter struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Category    string      `yaml:"category,omitempty"`
	Version     string      `yaml:"version,omitempty"`
	Author      string      `yaml:"author,omitempty"`
	Command     string      `yaml:"command"`
	Parameters  []Parameter `yaml:"parameters,omitempty"`
}

// ParseFile reads and parses one SKILL.md file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	skill, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return skill, nil
}

// Parse splits a SKILL.md document into front-matter and knowledge body.
// The document must open with a "---" line; everything after the closing
// delimiter is the knowledge body, verbatim.
func Parse(content string) (*Skill, error) {
	matter, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(matter), &fm); err != nil {
		return nil, faults.NewParseError(faults.ParseSkillFrontmatterInvalid, "invalid YAML front-matter", err)
	}
	if strings.TrimSpace(fm.Name) == "" {
		return nil, faults.NewParseError(faults.ParseSkillFrontmatterInvalid, "front-matter missing required field: name", nil)
	}
	if strings.TrimSpace(fm.Command) == "" {
		return nil, faults.NewParseError(faults.ParseSkillFrontmatterInvalid, "front-matter missing required field: command", nil)
	}
	for _, param := range fm.Parameters {
		if strings.TrimSpace(param.Name) == "" {
			return nil, faults.NewParseError(faults.ParseSkillFrontmatterInvalid, "parameter missing a name", nil)
		}
		switch param.Type {
		case "", "string", "number", "boolean":
		default:
			return nil, faults.NewParseError(faults.ParseSkillFrontmatterInvalid,
				fmt.Sprintf("parameter %q has unsupported type %q", param.Name, param.Type), nil)
		}
	}

	return &Skill{
		Name:        strings.TrimSpace(fm.Name),
		Description: fm.Description,
		Category:    fm.Category,
		Version:     fm.Version,
		Author:      fm.Author,
		Command:     strings.TrimSpace(fm.Command),
		Parameters:  fm.Parameters,
		Knowledge:   body,
	}, nil
}

// Render serializes the skill back into SKILL.md form: YAML
// front-matter between --- delimiters, knowledge body verbatim after.
// Parse(s.Render()) yields an equivalent skill.
func (s *Skill) Render() (string, error) {
	matter, err := yaml.Marshal(frontMatter{
		Name:        s.Name,
		Description: s.Description,
		Category:    s.Category,
		Version:     s.Version,
		Author:      s.Author,
		Command:     s.Command,
		Parameters:  s.Parameters,
	})
	if err != nil {
		return "", fmt.Errorf("marshal front-matter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(matter)
	b.WriteString("---\n")
	b.WriteString(s.Knowledge)
	if !strings.HasSuffix(s.Knowledge, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// splitFrontMatter separates the YAML document between the first two
// "---" delimiter lines from the body after the second.
func splitFrontMatter(content string) (matter, body string, err error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", faults.NewParseError(faults.ParseSkillFrontmatterInvalid,
			"skill file must open with a --- front-matter delimiter", nil)
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", faults.NewParseError(faults.ParseSkillFrontmatterInvalid,
		"front-matter delimiter never closed", nil)
}

// ToolName returns the canonical snake_case tool name.
func (s *Skill) ToolName() string {
	return SnakeCase(s.Name)
}

// ToolSpec derives the mounted-tool description for chat calls.
func (s *Skill) ToolSpec() llm.ToolSpec {
	properties := make(map[string]interface{}, len(s.Parameters))
	var required []string
	for _, param := range s.Parameters {
		schema := map[string]interface{}{
			"type": schemaType(param.Type),
		}
		if param.Description != "" {
			schema["description"] = param.Description
		}
		if len(param.Enum) > 0 {
			schema["enum"] = param.Enum
		}
		if param.Default != nil {
			schema["default"] = param.Default
		}
		properties[param.Name] = schema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	return llm.ToolSpec{
		Name:        s.ToolName(),
		Description: s.Description,
		Parameters:  properties,
		Required:    required,
	}
}

// ParametersJSON renders the declared parameters for the store mirror.
func (s *Skill) ParametersJSON() string {
	if len(s.Parameters) == 0 {
		return "[]"
	}
	data, err := json.Marshal(s.Parameters)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func schemaType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}

// SnakeCase converts a skill name to its canonical tool name: lowercase
// with word boundaries (spaces, hyphens, case changes) as underscores.
func SnakeCase(name string) string {
	var b strings.Builder
	var prevLower bool
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteByte('_')
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	// Collapse runs of underscores left by mixed separators.
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}
