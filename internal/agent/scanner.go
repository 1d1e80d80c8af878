package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"zenith/internal/provider"
	"zenith/internal/store"
)

// ScannerExecutor runs project scans: a health check over submitted repo
// metrics, or a dependency check over submitted manifest contents.
//
// Input schema:
//
//	project_name     string (required)
//	scan_type        "health_check" (default) or "dependency_check"
//	has_readme, has_tests, has_ci, has_license, has_gitignore bool (health check)
//	dependency_files map of file name to content (dependency check)
type ScannerExecutor struct {
	gen Generator
}

func NewScannerExecutor(gen Generator) *ScannerExecutor {
	return &ScannerExecutor{gen: gen}
}

func (e *ScannerExecutor) Type() store.AgentType { return store.AgentScanner }

func (e *ScannerExecutor) Execute(ctx context.Context, task *store.Task) (*Result, error) {
	name := inputString(task.Input, "project_name")
	if name == "" {
		return nil, fmt.Errorf("scanner task %s: project_name is required", task.ID)
	}
	switch st := inputString(task.Input, "scan_type"); st {
	case "", "health_check":
		return e.healthCheck(ctx, task, name)
	case "dependency_check":
		return e.dependencyCheck(ctx, task, name)
	default:
		return nil, fmt.Errorf("scanner task %s: unknown scan_type %q", task.ID, st)
	}
}

var healthChecks = []struct {
	key    string
	weight int
}{
	{"has_readme", 20},
	{"has_tests", 20},
	{"has_ci", 15},
	{"has_license", 10},
	{"has_gitignore", 10},
}

func (e *ScannerExecutor) healthCheck(ctx context.Context, task *store.Task, name string) (*Result, error) {
	score := 25 // base score; the weighted checks add the rest
	var b strings.Builder
	fmt.Fprintf(&b, "Project health check for %s:\n\n", name)
	for _, c := range healthChecks {
		ok := inputBool(task.Input, c.key)
		if ok {
			score += c.weight
		}
		fmt.Fprintf(&b, "%s: %t\n", c.key, ok)
	}
	fmt.Fprintf(&b, "\nOverall health score: %d/100\n\n", score)
	b.WriteString("Provide:\n")
	b.WriteString("1. Health assessment\n")
	b.WriteString("2. Critical missing components\n")
	b.WriteString("3. Improvement priorities\n")
	b.WriteString("4. Quick wins for better health")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskCodeAnalysis,
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   capTokens(ctx, 800),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	return &Result{
		Output: map[string]any{
			"scan_type":       "health_check",
			"health_score":    score,
			"recommendations": res.Content,
		},
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

func (e *ScannerExecutor) dependencyCheck(ctx context.Context, task *store.Task, name string) (*Result, error) {
	files := inputStringMap(task.Input, "dependency_files")
	if len(files) == 0 {
		return nil, fmt.Errorf("scanner task %s: dependency_files is required for a dependency check", task.ID)
	}
	names := make([]string, 0, len(files))
	for f := range files {
		names = append(names, f)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze these dependency files for project %s:\n", name)
	for _, f := range names {
		fmt.Fprintf(&b, "\n%s:\n%s\n", f, clip(files[f], 1500))
	}
	b.WriteString("\nCheck for:\n")
	b.WriteString("1. Outdated packages\n")
	b.WriteString("2. Known security vulnerabilities\n")
	b.WriteString("3. Unused dependencies\n")
	b.WriteString("4. Version conflicts\n")
	b.WriteString("\nProvide specific recommendations.")

	res, err := e.gen.Generate(ctx, provider.Request{
		TaskType:    provider.TaskCodeAnalysis,
		Prompt:      b.String(),
		Temperature: 0.3,
		MaxTokens:   capTokens(ctx, 800),
	}, inputString(task.Input, "preferred_provider"))
	if err != nil {
		return nil, err
	}

	return &Result{
		Output: map[string]any{
			"scan_type":        "dependency_check",
			"dependency_files": names,
			"analysis":         res.Content,
		},
		Usage: store.Usage{
			Provider: res.ProviderUsed,
			Model:    res.ModelUsed,
			Tokens:   res.TokensUsed,
			Cost:     res.Cost,
		},
	}, nil
}

func inputBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func inputStringMap(m map[string]any, key string) map[string]string {
	raw, _ := m[key].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	return out
}
