// Package content drafts outreach message text with a chat completion model.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rasheedb1/cadence/internal/model"
)

// ErrNoPrompt reports an action step with nothing to draft from.
var ErrNoPrompt = errors.New("step has no prompt")

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Request is what a draft is written from.
type Request struct {
	StepID  string
	Channel model.Channel
	Prompt  string
	Subject string
	Lead    model.Lead
}

// Draft is generated message text.
type Draft struct {
	Subject string
	Body    string
}

// Generator drafts message content.
type Generator interface {
	Generate(ctx context.Context, req Request) (Draft, error)
}

// OpenAIGenerator drafts content through the OpenAI Chat Completions API or
// any compatible endpoint.
type OpenAIGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAIGenerator. An empty baseURL uses the OpenAI API.
func NewOpenAI(apiKey, modelName, baseURL string) *OpenAIGenerator {
	if modelName == "" {
		modelName = DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{
		client:    openai.NewClient(opts...),
		model:     modelName,
		maxTokens: 1024,
	}
}

// Generate drafts the message body for req. The step's configured subject is
// kept as is.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Draft{}, fmt.Errorf("generate %s: %w", req.StepID, ErrNoPrompt)
	}
	params := openai.ChatCompletionNewParams{
		Model:               g.model,
		MaxCompletionTokens: openai.Int(g.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req.Channel)),
			openai.UserMessage(UserPrompt(req)),
		},
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Draft{}, fmt.Errorf("generate %s: %w", req.StepID, err)
	}
	if len(resp.Choices) == 0 {
		return Draft{}, fmt.Errorf("generate %s: model returned no choices", req.StepID)
	}
	body := strings.TrimSpace(resp.Choices[0].Message.Content)
	if body == "" {
		return Draft{}, fmt.Errorf("generate %s: model returned empty content", req.StepID)
	}
	if limit := CharLimit(req.Channel); limit > 0 {
		body = truncate(body, limit)
	}
	return Draft{Subject: req.Subject, Body: body}, nil
}

// CharLimit is the provider's maximum message length for a channel, or 0.
func CharLimit(ch model.Channel) int {
	if ch == model.ChannelLinkedInConnect {
		return 300
	}
	return 0
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit]))
}

// SystemPrompt returns the instructions for drafting on a channel.
func SystemPrompt(ch model.Channel) string {
	var b strings.Builder
	b.WriteString("You write short, personal B2B outreach messages. ")
	b.WriteString("Reply with the message body only: no subject line, no placeholders, no signature block.")
	switch ch {
	case model.ChannelEmail:
		b.WriteString(" The message is an email; keep it under 120 words.")
	case model.ChannelLinkedInConnect:
		fmt.Fprintf(&b, " The message is a LinkedIn connection note and must stay under %d characters.", CharLimit(ch))
	case model.ChannelLinkedInMessage:
		b.WriteString(" The message is a LinkedIn direct message; keep it conversational and under 80 words.")
	case model.ChannelCall:
		b.WriteString(" The text is a talk track for a phone call, as short bullet points.")
	}
	return b.String()
}

// UserPrompt combines the step prompt with the lead's context. Attributes are
// listed in sorted key order so the same lead always yields the same prompt.
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	b.WriteString("\n\nLead:\n")
	if req.Lead.Email != "" {
		fmt.Fprintf(&b, "- email: %s\n", req.Lead.Email)
	}
	for _, k := range req.Lead.Attributes.SortedKeys() {
		v := req.Lead.Attributes[k]
		if _, isNull := v.(model.Null); isNull {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, render(v))
	}
	if req.Subject != "" {
		fmt.Fprintf(&b, "\nSubject line already chosen: %s\n", req.Subject)
	}
	return b.String()
}

func render(v model.Value) string {
	if s, ok := v.(model.String); ok {
		return string(s)
	}
	data, err := model.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// Static returns fixed content. It stands in for a model in dry runs and tests.
type Static struct {
	Body string
}

// Generate implements Generator.
func (s Static) Generate(_ context.Context, req Request) (Draft, error) {
	if s.Body == "" {
		return Draft{}, fmt.Errorf("generate %s: %w", req.StepID, ErrNoPrompt)
	}
	return Draft{Subject: req.Subject, Body: s.Body}, nil
}
