package llm

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	json "github.com/goccy/go-json"

	"github.com/darktracer/darktracer/internal/faults"
)

const anthropicVersion = "bedrock-2023-05-31"

type BedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Bedrock struct {
	Client      BedrockAPI
	ModelID     string
	MaxTokens   int
	Temperature float64
}

// MessagesAPI reports whether modelID only accepts the messages body.
// Claude 2 and Instant still take the text-completion body.
func MessagesAPI(modelID string) bool {
	id := strings.ToLower(modelID)
	if !strings.Contains(id, "claude") {
		return false
	}
	for _, legacy := range []string{"claude-v2", "claude-2", "claude-instant"} {
		if strings.Contains(id, legacy) {
			return false
		}
	}
	return true
}

type completionBody struct {
	Prompt            string  `json:"prompt"`
	MaxTokensToSample int     `json:"max_tokens_to_sample"`
	Temperature       float64 `json:"temperature"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type messagesBody struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	Messages         []message `json:"messages"`
}

type reply struct {
	Completion string    `json:"completion"`
	Content    []content `json:"content"`
}

func (b *Bedrock) Answer(ctx context.Context, r Request) (string, error) {
	maxTokens := b.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 400
	}
	temp := b.Temperature
	if temp == 0 {
		temp = 0.5
	}

	var body any
	if MessagesAPI(b.ModelID) {
		body = messagesBody{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        maxTokens,
			Temperature:      temp,
			Messages:         []message{{Role: "user", Content: []content{{Type: "text", Text: r.Text()}}}},
		}
	} else {
		body = completionBody{Prompt: r.LegacyPrompt(), MaxTokensToSample: maxTokens, Temperature: temp}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	out, err := b.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", faults.Upstream("bedrock invoke "+b.ModelID, err)
	}

	var rep reply
	if err := json.Unmarshal(out.Body, &rep); err != nil {
		return "", faults.Upstream("bedrock decode", err)
	}
	if rep.Completion != "" {
		return rep.Completion, nil
	}
	for _, c := range rep.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text, nil
		}
	}
	return NoOutput, nil
}
