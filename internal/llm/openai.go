package llm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	json "github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/darktracer/darktracer/internal/faults"
)

const systemPrompt = "You are a security analyst. Answer questions about honeypot logs concisely, citing source IPs and ports where relevant."

type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// APIKey reads an OpenAI key stored either as the raw secret string or as
// the openai_api_key field of a JSON secret.
func APIKey(ctx context.Context, client SecretsAPI, secretARN string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretARN)})
	if err != nil {
		return "", faults.Upstream("get secret", err)
	}
	if out.SecretString == nil {
		return "", faults.Invalid("secret %s has no string value", secretARN)
	}
	raw := aws.ToString(out.SecretString)

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		if key, ok := fields["openai_api_key"].(string); ok && key != "" {
			return key, nil
		}
		return "", faults.Invalid("openai_api_key field not found in secret JSON")
	}
	return raw, nil
}

type chatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type OpenAI struct {
	chat      chatCompletions
	Model     string
	MaxTokens int64
}

func NewOpenAI(apiKey, model string, opts ...option.RequestOption) *OpenAI {
	c := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}
	return &OpenAI{chat: &c.Chat.Completions, Model: model, MaxTokens: 400}
}

func (o *OpenAI) Answer(ctx context.Context, r Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(r.Text()),
		},
		Temperature: openai.Float(0.5),
	}
	if o.MaxTokens > 0 {
		params.MaxTokens = openai.Int(o.MaxTokens)
	}
	resp, err := o.chat.New(ctx, params)
	if err != nil {
		return "", faults.Upstream(fmt.Sprintf("openai chat %s", o.Model), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return NoOutput, nil
	}
	return resp.Choices[0].Message.Content, nil
}
