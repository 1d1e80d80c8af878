package agent

import (
	"context"
	"fmt"
	"strings"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// SuggesterExecutor produces improvement suggestions for a project and
// splits the model's answer into individual suggestion items.
//
// Input schema:
//
//	project_name string (required)
//	focus        string (optional, e.g. "testing", "documentation")
//	max_items    number (default 5)
type SuggesterExecutor struct {
	gen Generator
}

func NewSuggesterExecutor(gen Generator) *SuggesterExecutor {
	return &SuggesterExecutor{gen: gen}
}

func (e *SuggesterExecutor) Type() store.AgentType { return store.AgentTaskSuggester }

func (e *SuggesterExecutor) Execute(ctx context.Context, task *store.Task) (*Result, error) {
	project := inputString(task.Input, "project_name")
	if project == "" {
		return nil, fmt.Errorf("suggester task %s: project_name is required", task.ID)
	}

	maxItems := inputNumber(task.Input, "max_items")
	if maxItems <= 0 {
		maxItems = 5
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Suggest the next %d improvement tasks for project %q.\n", maxItems, project)
	if focus := inputString(task.Input, "focus"); focus != "" {
		fmt.Fprintf(&b, "Focus area: %s.\n", focus)
	}
	b.WriteString("\nEach suggestion should:\n")
	b.WriteString("1. Be completable in 30-60 minutes\n")
	b.WriteString("2. Address missing components or technical debt\n")
	b.WriteString("3. Have a clear, measurable outcome\n")
	b.WriteString("\nList one suggestion per line, prefixed with a dash.")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskSuggestion,
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   capTokens(ctx, 600),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	items := parseSuggestions(res.Content, maxItems)

	return &Result{
		Output: map[string]any{
			"suggestions": items,
			"raw":         res.Content,
		},
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

// parseSuggestions splits a bulleted answer into at most max plain items.
// Lines without a bullet prefix are kept too as long as they look like
// content; headers and blanks are dropped.
func parseSuggestions(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789. ")
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}
