package reasoning

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// answerFunction is the function a model calls to return a structured answer.
const answerFunction = "submit_answer"

// LangChainClient sends requests to a langchaingo model.
type LangChainClient struct {
	model     llms.Model
	modelName string
}

// NewLangChainClient wraps an existing model.
func NewLangChainClient(model llms.Model, modelName string) *LangChainClient {
	return &LangChainClient{model: model, modelName: modelName}
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// NewOpenAIClient builds a LangChainClient backed by an OpenAI-compatible
// chat completion API.
func NewOpenAIClient(cfg OpenAIConfig) (*LangChainClient, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewLangChainClient(llm, cfg.Model), nil
}

// Complete implements Client. A FormatJSON request with a Schema is sent
// with a function definition; when the model calls it, the call arguments
// are the response content.
func (c *LangChainClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]llms.MessageContent, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		role := schema.ChatMessageTypeHuman
		if m.Role == RoleSystem {
			role = schema.ChatMessageTypeSystem
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	if req.Format == FormatJSON {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem,
			"Respond with a single JSON document and nothing else."))
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Format == FormatJSON && req.Schema != nil {
		opts = append(opts,
			llms.WithFunctions([]llms.FunctionDefinition{{
				Name:        answerFunction,
				Description: "Submit the answer as structured arguments.",
				Parameters:  req.Schema,
			}}),
			llms.WithFunctionCallBehavior(llms.FunctionCallBehaviorAuto))
	}

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	content := choice.Content
	if choice.FuncCall != nil && choice.FuncCall.Name == answerFunction {
		content = choice.FuncCall.Arguments
	}
	if content == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Content: content, Model: c.modelName}, nil
}
