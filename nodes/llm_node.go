package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/forechoandlook/stepflow"
)

const defaultModel = openai.GPT4oMini

// llmHandler calls an OpenAI-compatible chat completion API. The prompt is
// a template over the context; without one the previous output is sent.
//
// Config keys: prompt, system, model, temperature, maxTokens, stop, format.
type llmHandler struct {
	defaultModel string
	client       *http.Client
}

func (h *llmHandler) RequiresCredentials(Config) bool {
	return true
}

func (h *llmHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	if call.Credentials.Empty() {
		return nil, fmt.Errorf("%w: %s node needs an api key",
			stepflow.ErrCredentialMissing, call.NodeType)
	}

	req, err := h.buildRequest(call)
	if err != nil {
		return nil, err
	}

	resp, err := h.newClient(call.Credentials).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned empty choice list")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	return stepflow.NodeResult{
		stepflow.OutputKey: content,
	}, nil
}

func (h *llmHandler) buildRequest(call Call) (openai.ChatCompletionRequest, error) {
	var req openai.ChatCompletionRequest
	cfg := call.Config

	prompt, err := cfg.String("prompt", "")
	if err != nil {
		return req, err
	}
	if prompt == "" {
		prompt = fmt.Sprint(call.Vars.PreviousOutput())
	} else if prompt, err = render(cfg, prompt, call.Vars); err != nil {
		return req, err
	}

	system, err := cfg.String("system", "")
	if err != nil {
		return req, err
	}
	model, err := cfg.String("model", call.Credentials.Model)
	if err != nil {
		return req, err
	}
	if model == "" {
		model = h.defaultModel
	}
	temperature, err := cfg.Float("temperature", 0)
	if err != nil {
		return req, err
	}
	maxTokens, err := cfg.Int("maxTokens", 0)
	if err != nil {
		return req, err
	}
	stop, err := stringList(cfg, "stop")
	if err != nil {
		return req, err
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
		Stop:        stop,
	}, nil
}

func (h *llmHandler) newClient(creds *stepflow.Credentials) *openai.Client {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	if h.client != nil {
		cfg.HTTPClient = h.client
	}
	return openai.NewClientWithConfig(cfg)
}

func stringList(cfg Config, key string) ([]string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, badConfig(key, "a list of strings", raw)
	}
	res := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, badConfig(key, "a list of strings", raw)
		}
		res = append(res, s)
	}
	return res, nil
}

func init() {
	def := NodeDefinition{
		ID:          "llm",
		Description: "Calls an OpenAI-compatible chat completion API via go-openai; needs credentials.",
		Example:     `{"type": "llm", "config": {"prompt": "Translate to French: {{.previousOutput}}", "system": "You are a translator."}}`,
	}
	RegisterNode(def)
	def.ID = "model-call"
	RegisterNode(def)
}
