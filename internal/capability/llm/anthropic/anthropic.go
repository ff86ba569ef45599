// Package anthropic adapts Anthropic's Claude API to the llm.Capability
// port: system prompt extraction (Claude takes it as a separate parameter,
// not a message role) and message conversion, narrowed to the tool-free
// Complete shape.
package anthropic

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/runforge/controlplane/internal/capability/llm"
)

// defaultModel is used whenever a tier does not map to an explicit model
// name below.
const defaultModel = "claude-sonnet-4-5-20250929"

// tierModels maps llm.ModelTier to a concrete Claude model name.
var tierModels = map[llm.ModelTier]string{
	llm.TierFast:     "claude-haiku-4-5-20251001",
	llm.TierStandard: "claude-sonnet-4-5-20250929",
	llm.TierDeep:      "claude-opus-4-1-20250805",
}

// Capability implements llm.Capability against the Anthropic Messages API.
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

	modelName := tierModels[req.Tier]
	if modelName == "" {
		modelName = defaultModel
	}

	systemPrompt, conversation := extractSystemPrompt(req.Messages)

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: %w", err)
	}
	return convertResponse(resp, modelName), nil
}

func extractSystemPrompt(messages []llm.Message) (string, []llm.Message) {
	var system string
	var rest []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func convertMessages(messages []llm.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

func convertResponse(resp *anthropicsdk.Message, modelName string) llm.Response {
	out := llm.Response{ModelName: modelName}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		}
	}
	out.InputTokens = int(resp.Usage.InputTokens)
	out.OutputTokens = int(resp.Usage.OutputTokens)
	return out
}

var _ llm.Capability = (*Capability)(nil)
