// Package google adapts Google's Gemini API to the llm.Capability port,
// narrowed to text-only completions (no tool declarations, no
// safety-filter error type — stages never see partial tool-call output).
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/runforge/controlplane/internal/capability/llm"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-2.5-flash"

var tierModels = map[llm.ModelTier]string{
	llm.TierFast:     "gemini-2.5-flash",
	llm.TierStandard: "gemini-2.5-pro",
	llm.TierDeep:     "gemini-2.5-pro",
}

// Capability implements llm.Capability against the Gemini generateContent
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
		return llm.Response{}, errors.New("google: api key is required")
	}

	modelName := tierModels[req.Tier]
	if modelName == "" {
		modelName = defaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: create client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(modelName)
	systemPrompt, parts := convertMessages(req.Messages)
	if systemPrompt != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: %w", err)
	}
	return convertResponse(resp, modelName), nil
}

// convertMessages pulls system-role content into Gemini's separate
// SystemInstruction and flattens the remaining turns into text parts.
func convertMessages(messages []llm.Message) (string, []genai.Part) {
	var system string
	var parts []genai.Part
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}
	return system, parts
}

func convertResponse(resp *genai.GenerateContentResponse, modelName string) llm.Response {
	out := llm.Response{ModelName: modelName}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(t)
		}
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out
}

var _ llm.Capability = (*Capability)(nil)
