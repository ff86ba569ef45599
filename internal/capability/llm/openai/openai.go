// Package openai adapts OpenAI's Chat Completions API to the llm.Capability
// port. It does not retry internally — retry, circuit breaking, and rate
// limiting are composed around the port by the reliability kernel, so an
// internal retry loop here would double up backoff and make the kernel's
// attempt accounting wrong.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/runforge/controlplane/internal/capability/llm"
)

const defaultModel = "gpt-4o"

var tierModels = map[llm.ModelTier]string{
	llm.TierFast:     "gpt-4o-mini",
	llm.TierStandard: "gpt-4o",
	llm.TierDeep:      "gpt-4.1",
}

// Capability implements llm.Capability against the OpenAI Chat Completions
// API.
type Capability struct {
	apiKey string
}

// New constructs a Capability authenticated with apiKey.
func New(apiKey string) *Capability {
	return &Capability{apiKey: apiKey}
}

func (c *Capability) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}
	if c.apiKey == "" {
		return llm.Response{}, errors.New("openai: api key is required")
	}

	modelName := tierModels[req.Tier]
	if modelName == "" {
		modelName = defaultModel
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelName),
		Messages: convertMessages(req.Messages),
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: %w", err)
	}
	return convertResponse(resp, modelName), nil
}

func convertMessages(messages []llm.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out[i] = openaisdk.SystemMessage(m.Content)
		case llm.RoleAssistant:
			out[i] = openaisdk.AssistantMessage(m.Content)
		default:
			out[i] = openaisdk.UserMessage(m.Content)
		}
	}
	return out
}

func convertResponse(resp *openaisdk.ChatCompletion, modelName string) llm.Response {
	out := llm.Response{ModelName: modelName}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	out.InputTokens = int(resp.Usage.PromptTokens)
	out.OutputTokens = int(resp.Usage.CompletionTokens)
	return out
}

var _ llm.Capability = (*Capability)(nil)
