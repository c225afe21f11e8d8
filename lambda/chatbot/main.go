package main

import (
	"context"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/llm"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
)

type clients struct {
	s3      objstore.API
	bedrock llm.BedrockAPI
	secrets llm.SecretsAPI
}

var newClients = func(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &clients{
		s3:      s3.NewFromConfig(cfg),
		bedrock: bedrockruntime.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
	}, nil
}

var newOpenAI = func(apiKey, model string) llm.Answerer { return llm.NewOpenAI(apiKey, model) }

// request accepts both a direct invocation {"question": ...} and an API
// Gateway proxy event whose body carries the question.
type request struct {
	Question string `json:"question"`
	Body     string `json:"body"`
}

func (r request) question() string {
	if q := strings.TrimSpace(r.Question); q != "" {
		return q
	}
	if r.Body == "" {
		return ""
	}
	var b struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(r.Body), &b); err != nil {
		return ""
	}
	return strings.TrimSpace(b.Question)
}

func main() {
	logger.Init(logger.FromEnv("chatbot"))
	lambda.Start(handler)
}

func handler(ctx context.Context, req request) (events.APIGatewayProxyResponse, error) {
	answer, err := ask(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("chatbot failed")
		return faults.Response(err), nil
	}
	return faults.OK(map[string]string{"answer": answer}), nil
}

func ask(ctx context.Context, req request) (string, error) {
	q := req.question()
	if q == "" {
		return "", faults.Invalid("Missing 'question' in request")
	}
	bucket, err := config.Must("CLEAN_LOG_BUCKET")
	if err != nil {
		return "", err
	}
	key, err := config.Must("LOG_KEY")
	if err != nil {
		return "", err
	}

	c, err := newClients(ctx)
	if err != nil {
		return "", faults.Upstream("load aws config", err)
	}
	logs, err := objstore.New(c.s3).Get(ctx, bucket, key)
	if err != nil {
		return "", err
	}

	model, err := answerer(ctx, c)
	if err != nil {
		return "", err
	}
	log.Info().Int("log_bytes", len(logs)).Msg("asking model")
	return model.Answer(ctx, llm.Request{Logs: string(logs), Question: q})
}

func answerer(ctx context.Context, c *clients) (llm.Answerer, error) {
	if strings.EqualFold(config.EnvOr("MODEL_PROVIDER", "bedrock"), "openai") {
		arn, err := config.Must("OPENAI_SECRET_ARN")
		if err != nil {
			return nil, err
		}
		apiKey, err := llm.APIKey(ctx, c.secrets, arn)
		if err != nil {
			return nil, err
		}
		return newOpenAI(apiKey, config.EnvOr("OPENAI_MODEL", "gpt-4o")), nil
	}
	modelID, err := config.Must("MODEL_ID")
	if err != nil {
		return nil, err
	}
	return &llm.Bedrock{Client: c.bedrock, ModelID: modelID}, nil
}
