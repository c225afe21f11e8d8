package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/honeypot"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
)

const (
	defaultLogGroup = "/darktracer/honeypot/opencanary"
	maxEvents       = 10000
)

// logsAPI defines the subset of CloudWatch Logs methods used, to enable mocking in tests.
type logsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

type clients struct {
	logs logsAPI
	s3   objstore.API
}

var newClients = func(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &clients{logs: cloudwatchlogs.NewFromConfig(cfg), s3: s3.NewFromConfig(cfg)}, nil
}

var now = time.Now

type settings struct {
	LogGroup string
	Window   time.Duration
	Bucket   string
	Prefix   string
}

func loadSettings() (settings, error) {
	window, err := config.Duration("HARVEST_WINDOW", 30*time.Minute)
	if err != nil {
		return settings{}, faults.Invalid("%v", err)
	}
	p := config.LoadProject("ENVIRONMENT")
	return settings{
		LogGroup: config.EnvOr("LOG_GROUP", defaultLogGroup),
		Window:   window,
		Bucket:   config.EnvOr("BUCKET_NAME", p.LogsBucket()),
		Prefix:   config.EnvOr("BUCKET_PREFIX", "honeypot"),
	}, nil
}

type result struct {
	Message string `json:"message"`
	Events  int    `json:"events"`
	Rows    int    `json:"rows"`
	Key     string `json:"key,omitempty"`
}

func main() {
	logger.Init(logger.FromEnv("honeypot_harvest"))
	lambda.Start(handler)
}

func handler(ctx context.Context, _ events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
	res, err := harvest(ctx)
	if err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("harvest failed")
		return faults.Response(err), nil
	}
	return faults.OK(res), nil
}

func harvest(ctx context.Context) (result, error) {
	s, err := loadSettings()
	if err != nil {
		return result{}, err
	}
	c, err := newClients(ctx)
	if err != nil {
		return result{}, faults.Upstream("load aws config", err)
	}

	end := now().UTC()
	start := end.Add(-s.Window)
	log.Info().Str("log_group", s.LogGroup).Time("start", start).Time("end", end).Msg("fetching honeypot logs")

	messages, err := fetch(ctx, c.logs, s.LogGroup, start, end)
	if err != nil {
		return result{}, err
	}
	if len(messages) == 0 {
		log.Warn().Msg("no logs found in time window")
		return result{Message: "no events in window"}, nil
	}

	rows := make([][]string, 0, len(messages))
	for _, m := range messages {
		ev, err := honeypot.ParseEvent(m)
		if err != nil {
			log.Warn().Err(err).Str("message", m).Msg("skipping log event")
			continue
		}
		rows = append(rows, ev.Row())
	}

	body, err := honeypot.EncodeCSVGZ(rows)
	if err != nil {
		return result{}, err
	}
	key := honeypot.Key(s.Prefix, end)
	if err := objstore.New(c.s3).Put(ctx, s.Bucket, key, body, "application/gzip"); err != nil {
		return result{}, err
	}
	log.Info().Int("events", len(messages)).Int("rows", len(rows)).Str("bucket", s.Bucket).Str("key", key).Msg("uploaded log batch")
	return result{Message: "uploaded", Events: len(messages), Rows: len(rows), Key: key}, nil
}

// fetch pages through FilterLogEvents until the window is exhausted or
// maxEvents messages have been read.
func fetch(ctx context.Context, client logsAPI, group string, start, end time.Time) ([]string, error) {
	p := cloudwatchlogs.NewFilterLogEventsPaginator(client, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(group),
		StartTime:    aws.Int64(start.UnixMilli()),
		EndTime:      aws.Int64(end.UnixMilli()),
		Limit:        aws.Int32(maxEvents),
	})
	var out []string
	for p.HasMorePages() && len(out) < maxEvents {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, faults.Upstream("filter log events "+group, err)
		}
		for _, e := range page.Events {
			if len(out) == maxEvents {
				break
			}
			out = append(out, aws.ToString(e.Message))
		}
	}
	if len(out) == maxEvents {
		log.Warn().Int("limit", maxEvents).Msg("event limit reached, window truncated")
	}
	return out, nil
}
