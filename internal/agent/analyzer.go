package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// AnalyzerExecutor runs code quality analysis over a snippet or a project
// summary and extracts a numeric quality score from the model's answer.
//
// Input schema:
//
//	code_snippet string (snippet mode)
//	language     string
//	project_name string (project mode)
//	file_count   number
//	line_count   number
type AnalyzerExecutor struct {
	gen Generator
}

func NewAnalyzerExecutor(gen Generator) *AnalyzerExecutor {
	return &AnalyzerExecutor{gen: gen}
}

func (e *AnalyzerExecutor) Type() store.AgentType { return store.AgentAnalyzer }

func (e *AnalyzerExecutor) Execute(ctx context.Context, task *store.Task) (*Result, error) {
	snippet := inputString(task.Input, "code_snippet")
	project := inputString(task.Input, "project_name")
	if snippet == "" && project == "" {
		return nil, fmt.Errorf("analyzer task %s: code_snippet or project_name is required", task.ID)
	}

	var b strings.Builder
	if snippet != "" {
		b.WriteString("Analyze this code for quality and best practices:\n\n")
		if lang := inputString(task.Input, "language"); lang != "" {
			fmt.Fprintf(&b, "Language: %s\n\n", lang)
		}
		fmt.Fprintf(&b, "```\n%s\n```\n\n", clip(snippet, 2000))
	} else {
		fmt.Fprintf(&b, "Analyze this project's code quality:\n\nProject: %s\n", project)
		if n := inputNumber(task.Input, "file_count"); n > 0 {
			fmt.Fprintf(&b, "Total files: %d\n", n)
		}
		if n := inputNumber(task.Input, "line_count"); n > 0 {
			fmt.Fprintf(&b, "Total lines: %d\n", n)
		}
		b.WriteString("\n")
	}
	b.WriteString("Provide:\n")
	b.WriteString("1. Code quality score (0-100)\n")
	b.WriteString("2. Best practices violations\n")
	b.WriteString("3. Improvement suggestions\n")
	b.WriteString("4. Security concerns")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskCodeAnalysis,
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   capTokens(ctx, 800),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	output := map[string]any{"analysis": res.Content}
	if score, ok := extractScore(res.Content); ok {
		output["quality_score"] = score
	}

	return &Result{
		Output: output,
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

var scoreRe = regexp.MustCompile(`(?i)(?:quality\s+)?score[^0-9]{0,10}(\d{1,3})`)

// extractScore pulls the first plausible 0-100 score out of the analysis text.
func extractScore(text string) (int, bool) {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

func inputNumber(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}
