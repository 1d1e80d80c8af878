package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiAdapter speaks the Google AI Studio (Gemini) API.
type GeminiAdapter struct {
	base
	client *genai.Client
}

func NewGemini(st Settings) *GeminiAdapter {
	return &GeminiAdapter{base: newBase(st)}
}

func (a *GeminiAdapter) Init(ctx context.Context) error {
	client, err := genai.NewClient(ctx, option.WithAPIKey(a.st.APIKey))
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}
	a.client = client
	return nil
}

func (a *GeminiAdapter) Generate(ctx context.Context, req Request) (*Result, error) {
	if a.client == nil {
		return nil, unavailable(a.ID(), errors.New("not initialized"))
	}
	if err := a.await(ctx); err != nil {
		return nil, unavailable(a.ID(), err)
	}

	model := a.generativeModel(req)
	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		a.recordFailure()
		return nil, unavailable(a.ID(), err)
	}

	content := joinCandidateText(resp)
	if content == "" {
		a.recordFailure()
		return nil, unavailable(a.ID(), errors.New("empty response"))
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	} else {
		tokens = estimateTokens(len(req.Prompt) + len(content))
	}
	cost := a.costOf(tokens)
	a.recordSuccess(tokens, cost)

	return &Result{
		Content:    content,
		TokensUsed: tokens,
		ModelUsed:  a.model(req.Model),
		Cost:       cost,
	}, nil
}

func (a *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if a.client == nil {
		return nil, unavailable(a.ID(), errors.New("not initialized"))
	}
	if err := a.await(ctx); err != nil {
		return nil, unavailable(a.ID(), err)
	}

	model := a.generativeModel(req)
	iter := model.GenerateContentStream(ctx, genai.Text(req.Prompt))

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		var chars int
		var tokens int
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				if tokens == 0 {
					tokens = estimateTokens(len(req.Prompt) + chars)
				}
				a.recordSuccess(tokens, a.costOf(tokens))
				return
			}
			if err != nil {
				a.recordFailure()
				out <- Chunk{Err: unavailable(a.ID(), err)}
				return
			}
			if resp.UsageMetadata != nil {
				tokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			text := joinCandidateText(resp)
			if text == "" {
				continue
			}
			chars += len(text)
			select {
			case out <- Chunk{Content: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *GeminiAdapter) HealthCheck(ctx context.Context) bool {
	if a.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	// CountTokens is the cheapest authenticated round trip the API offers.
	model := a.client.GenerativeModel(a.st.Model)
	_, err := model.CountTokens(ctx, genai.Text("ping"))
	return err == nil
}

func (a *GeminiAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *GeminiAdapter) generativeModel(req Request) *genai.GenerativeModel {
	model := a.client.GenerativeModel(a.model(req.Model))
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	return model
}

func joinCandidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
