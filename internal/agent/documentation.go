package agent

import (
	"context"
	"fmt"
	"strings"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// DocumentationExecutor generates project documentation (README-style) from
// the task's input payload.
//
// Input schema:
//
//	project_name   string (required)
//	project_type   string
//	technologies   []string or comma-joined string
//	readme_excerpt string (optional, folded into the prompt)
type DocumentationExecutor struct {
	gen Generator
}

func NewDocumentationExecutor(gen Generator) *DocumentationExecutor {
	return &DocumentationExecutor{gen: gen}
}

func (e *DocumentationExecutor) Type() store.AgentType { return store.AgentDocumentation }

func (e *DocumentationExecutor) Execute(ctx context.Context, task *store.Task) (*Result, error) {
	name := inputString(task.Input, "project_name")
	if name == "" {
		return nil, fmt.Errorf("documentation task %s: project_name is required", task.ID)
	}

	var b strings.Builder
	b.WriteString("Generate a comprehensive README.md for this project:\n\n")
	fmt.Fprintf(&b, "Project: %s\n", name)
	if t := inputString(task.Input, "project_type"); t != "" {
		fmt.Fprintf(&b, "Type: %s\n", t)
	}
	if techs := inputStrings(task.Input, "technologies"); len(techs) > 0 {
		fmt.Fprintf(&b, "Technologies: %s\n", strings.Join(techs, ", "))
	}
	if excerpt := inputString(task.Input, "readme_excerpt"); excerpt != "" {
		fmt.Fprintf(&b, "\nExisting README excerpt:\n%s\n", clip(excerpt, 1000))
	}
	b.WriteString("\nInclude: project overview, installation instructions, usage examples, and contributing guidelines.")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskDocumentation,
		Prompt:      b.String(),
		Temperature: 0.8,
		MaxTokens:   capTokens(ctx, 1000),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	return &Result{
		Output: map[string]any{
			"documentation": res.Content,
			"format":        "markdown",
		},
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

func inputString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func inputStrings(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
