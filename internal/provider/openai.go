package provider

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter speaks the OpenAI chat-completions API. With a custom
// BaseURL it also serves any OpenAI-compatible endpoint (e.g. the
// HuggingFace router), which is how the hosted-model backends are wired.
type OpenAIAdapter struct {
	base
	client *openai.Client
}

func NewOpenAI(st Settings) *OpenAIAdapter {
	cfg := openai.DefaultConfig(st.APIKey)
	if st.BaseURL != "" {
		cfg.BaseURL = st.BaseURL
	}
	return &OpenAIAdapter{
		base:   newBase(st),
		client: openai.NewClientWithConfig(cfg),
	}
}

func (a *OpenAIAdapter) Init(ctx context.Context) error {
	// The client is stateless; a health probe at startup is enough.
	return nil
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := a.await(ctx); err != nil {
		return nil, unavailable(a.ID(), err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, a.chatRequest(req, false))
	if err != nil {
		a.recordFailure()
		return nil, unavailable(a.ID(), err)
	}
	if len(resp.Choices) == 0 {
		a.recordFailure()
		return nil, unavailable(a.ID(), errors.New("no completion choices returned"))
	}

	tokens := resp.Usage.TotalTokens
	cost := a.costOf(tokens)
	a.recordSuccess(tokens, cost)

	model := resp.Model
	if model == "" {
		model = a.model(req.Model)
	}
	return &Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: tokens,
		ModelUsed:  model,
		Cost:       cost,
	}, nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := a.await(ctx); err != nil {
		return nil, unavailable(a.ID(), err)
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, a.chatRequest(req, true))
	if err != nil {
		a.recordFailure()
		return nil, unavailable(a.ID(), err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		var chars int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				// Streamed responses carry no usage block; estimate.
				tokens := estimateTokens(chars)
				a.recordSuccess(tokens, a.costOf(tokens))
				return
			}
			if err != nil {
				a.recordFailure()
				out <- Chunk{Err: unavailable(a.ID(), err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			chars += len(delta)
			select {
			case out <- Chunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *OpenAIAdapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	_, err := a.client.ListModels(ctx)
	return err == nil
}

func (a *OpenAIAdapter) Close() error { return nil }

func (a *OpenAIAdapter) chatRequest(req Request, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       a.model(req.Model),
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

// estimateTokens approximates token count from character count (~4 chars per
// token for English text). Used only where the API reports no usage.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}
