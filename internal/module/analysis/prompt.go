package analysis

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed policy_guide.md
var defaultPolicyGuide string

const systemTemplate = `You are an advertising policy reviewer. Review the submitted {{.Kind}} against the policy guide below.

Respond with a single JSON object and nothing else:
{
  "compliant": boolean,
  "summary": string,
  "violations": [
    {
      "category": string,
      "description": string,
      "severity": "low" | "medium" | "high" | "critical",
      "boundingBox": {"x": number, "y": number, "width": number, "height": number},
      "suggestedEdit": string,
      "policyReference": string
    }
  ]
}

Bounding box values are fractions of the image size between 0 and 1, measured from the top-left corner. Omit "boundingBox" for text-only content or when a violation has no location.

POLICY GUIDE:
{{.Guide}}`

const userTemplate = `{{if .HasMedia}}The attached {{.Kind}}{{if .Filename}} ({{.Filename}}){{end}} is the ad creative.
{{end}}{{if .Text}}Ad text:
"""
{{.Text}}
"""
{{end}}List every policy violation you find.`

// PromptBuilder assembles model prompts around a policy guide.
type PromptBuilder struct {
	guide  string
	system *template.Template
	user   *template.Template
}

// NewPromptBuilder loads the policy guide from guidePath, or uses the
// built-in guide when guidePath is empty.
func NewPromptBuilder(guidePath string) (*PromptBuilder, error) {
	guide := defaultPolicyGuide
	if guidePath != "" {
		data, err := os.ReadFile(guidePath)
		if err != nil {
			return nil, fmt.Errorf("read policy guide: %w", err)
		}
		guide = string(data)
	}
	return &PromptBuilder{
		guide:  strings.TrimSpace(guide),
		system: template.Must(template.New("system").Parse(systemTemplate)),
		user:   template.Must(template.New("user").Parse(userTemplate)),
	}, nil
}

type promptData struct {
	Kind     string
	Guide    string
	Text     string
	Filename string
	HasMedia bool
}

// Build renders the prompt for req. MIMEType must already be resolved.
func (b *PromptBuilder) Build(req *Request) (*Prompt, error) {
	data := promptData{
		Kind:     contentKind(req),
		Guide:    b.guide,
		Text:     strings.TrimSpace(req.Text),
		Filename: req.Filename,
		HasMedia: len(req.Media) > 0,
	}

	var system, user strings.Builder
	if err := b.system.Execute(&system, data); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	if err := b.user.Execute(&user, data); err != nil {
		return nil, fmt.Errorf("render user prompt: %w", err)
	}

	return &Prompt{
		System:   system.String(),
		Text:     user.String(),
		Media:    req.Media,
		MIMEType: req.MIMEType,
	}, nil
}

func contentKind(req *Request) string {
	switch {
	case len(req.Media) == 0:
		return "ad text"
	case strings.HasPrefix(req.MIMEType, "video/"):
		return "video"
	default:
		return "image"
	}
}
