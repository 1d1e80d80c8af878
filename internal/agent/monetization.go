package agent

import (
	"context"
	"fmt"
	"strings"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// MonetizationExecutor evaluates a project's commercial potential and pulls
// the viable strategies out of the model's analysis.
//
// Input schema:
//
//	project_name string (required)
//	project_type string
//	technologies []string or comma-joined string
type MonetizationExecutor struct {
	gen Generator
}

func NewMonetizationExecutor(gen Generator) *MonetizationExecutor {
	return &MonetizationExecutor{gen: gen}
}

func (e *MonetizationExecutor) Type() store.AgentType { return store.AgentMonetization }

func (e *MonetizationExecutor) Execute(ctx context.Context, task *store.Task) (*Result, error) {
	name := inputString(task.Input, "project_name")
	if name == "" {
		return nil, fmt.Errorf("monetization task %s: project_name is required", task.ID)
	}

	var b strings.Builder
	b.WriteString("Perform a monetization analysis for this project:\n\n")
	fmt.Fprintf(&b, "Project: %s\n", name)
	if t := inputString(task.Input, "project_type"); t != "" {
		fmt.Fprintf(&b, "Type: %s\n", t)
	}
	if techs := inputStrings(task.Input, "technologies"); len(techs) > 0 {
		fmt.Fprintf(&b, "Tech stack: %s\n", strings.Join(techs, ", "))
	}
	b.WriteString("\nAnalyze:\n")
	b.WriteString("1. SaaS potential: target audience, MVP features, pricing tiers\n")
	b.WriteString("2. API monetization: usage-based pricing, target customers\n")
	b.WriteString("3. Marketplace or plugin distribution\n")
	b.WriteString("4. Licensing: enterprise and white-label options\n")
	b.WriteString("\nProvide actionable recommendations with revenue estimates.")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskGeneral,
		Prompt:      b.String(),
		Temperature: 0.7,
		MaxTokens:   capTokens(ctx, 800),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	return &Result{
		Output: map[string]any{
			"analysis":   res.Content,
			"strategies": extractStrategies(res.Content),
		},
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

var strategyMarkers = []struct {
	marker string
	name   string
}{
	{"saas", "saas"},
	{"api", "api_service"},
	{"plugin", "marketplace"},
	{"marketplace", "marketplace"},
	{"licens", "licensing"},
}

// extractStrategies keyword-matches the strategies the analysis mentions.
func extractStrategies(text string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var out []string
	for _, m := range strategyMarkers {
		if strings.Contains(lower, m.marker) && !seen[m.name] {
			seen[m.name] = true
			out = append(out, m.name)
		}
	}
	return out
}
