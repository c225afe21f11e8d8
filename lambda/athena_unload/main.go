package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/athenaq"
	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/honeypot"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
	"github.com/darktracer/darktracer/internal/unload"
)

type clients struct {
	athena athenaq.API
	s3     objstore.API
}

var newClients = func(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &clients{athena: athena.NewFromConfig(cfg), s3: s3.NewFromConfig(cfg)}, nil
}

type settings struct {
	Database string
	Table    string
	Bucket   string
	Prefix   string
	Query    athenaq.Policy
	Stitch   unload.Policy
}

func (s settings) resultsLocation() string { return fmt.Sprintf("s3://%s/athena-results/", s.Bucket) }
func (s settings) unloadTarget() string    { return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Prefix) }

func loadSettings() (settings, error) {
	p := config.LoadProject("ENVIRONMENT")
	s := settings{
		Database: p.AthenaDatabase(),
		Table:    config.EnvOr("ATHENA_TABLE", "honeypot_logs"),
		Bucket:   config.EnvOr("TRAINING_BUCKET", p.TrainingBucket()),
		Prefix:   config.EnvOr("INPUT_PREFIX", "input/"),
		Query:    athenaq.DefaultPolicy(),
		Stitch:   unload.DefaultPolicy(),
	}
	if !strings.HasSuffix(s.Prefix, "/") {
		s.Prefix += "/"
	}

	var err error
	if s.Query.PollInterval, err = config.Duration("POLL_INTERVAL", s.Query.PollInterval); err != nil {
		return s, faults.Invalid("%v", err)
	}
	if s.Query.Timeout, err = config.Duration("QUERY_TIMEOUT", s.Query.Timeout); err != nil {
		return s, faults.Invalid("%v", err)
	}
	if s.Stitch.SettleDelay, err = config.Duration("SETTLE_DELAY", s.Stitch.SettleDelay); err != nil {
		return s, faults.Invalid("%v", err)
	}
	if s.Stitch.Interval, err = config.Duration("SHARD_INTERVAL", s.Stitch.Interval); err != nil {
		return s, faults.Invalid("%v", err)
	}
	if s.Stitch.Attempts, err = config.Int("SHARD_ATTEMPTS", s.Stitch.Attempts); err != nil {
		return s, faults.Invalid("%v", err)
	}
	return s, nil
}

type result struct {
	Message        string `json:"message"`
	Rows           int64  `json:"rows"`
	UnloadLocation string `json:"unload_location"`
	OutputKey      string `json:"output_key,omitempty"`
}

func main() {
	logger.Init(logger.FromEnv("athena_unload"))
	lambda.Start(handler)
}

func handler(ctx context.Context, _ events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
	res, err := run(ctx)
	if err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("unload failed")
		return faults.Response(err), nil
	}
	return faults.OK(res), nil
}

func run(ctx context.Context) (result, error) {
	s, err := loadSettings()
	if err != nil {
		return result{}, err
	}
	c, err := newClients(ctx)
	if err != nil {
		return result{}, faults.Upstream("load aws config", err)
	}
	runner := &athenaq.Runner{
		Client:         c.athena,
		Database:       s.Database,
		OutputLocation: s.resultsLocation(),
		Policy:         s.Query,
	}

	count, err := runner.Count(ctx, s.Table)
	if err != nil {
		return result{}, err
	}
	log.Info().Int64("rows", count).Str("table", s.Table).Msg("rows to unload")

	res := result{Rows: count, UnloadLocation: s.unloadTarget()}
	if count == 0 {
		log.Info().Msg("no data to unload")
		res.Message = "Successfully processed 0 rows"
		return res, nil
	}

	start := time.Now()
	if _, err := runner.Run(ctx, athenaq.UnloadQuery(s.Table, s.unloadTarget())); err != nil {
		return result{}, err
	}
	log.Info().Dur("took", time.Since(start)).Msg("unload finished")

	st := &unload.Stitcher{
		Store:  objstore.New(c.s3),
		Policy: s.Stitch,
		Header: strings.Join(honeypot.Header, ",") + "\n",
	}
	key, err := st.Stitch(ctx, s.Bucket, s.Prefix)
	if err != nil {
		return result{}, err
	}
	res.Message = fmt.Sprintf("Successfully processed %d rows", count)
	res.OutputKey = key
	return res, nil
}
