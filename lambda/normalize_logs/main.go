package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/dataset"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/honeypot"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
)

var newS3Client = func(ctx context.Context) (objstore.API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

var now = time.Now

type settings struct {
	SourceBucket  string
	SourcePrefix  string
	TargetBucket  string
	InputPrefix   string
	CuratedPrefix string
}

func loadSettings() settings {
	p := config.LoadProject("ENVIRONMENT")
	return settings{
		SourceBucket:  config.EnvOr("BUCKET_NAME", p.LogsBucket()),
		SourcePrefix:  config.EnvOr("BUCKET_PREFIX", "honeypot"),
		TargetBucket:  config.EnvOr("TRAINING_BUCKET", p.TrainingBucket()),
		InputPrefix:   config.EnvOr("INPUT_PREFIX", "input/"),
		CuratedPrefix: config.EnvOr("CURATED_PREFIX", ""),
	}
}

type result struct {
	Message    string   `json:"message"`
	Files      int      `json:"files"`
	Rows       int      `json:"rows"`
	Columns    []string `json:"columns,omitempty"`
	OutputKey  string   `json:"output_key,omitempty"`
	CuratedKey string   `json:"curated_key,omitempty"`
}

func main() {
	logger.Init(logger.FromEnv("normalize_logs"))
	lambda.Start(handler)
}

// handler fails the invocation on any error so the scheduler records the
// run as failed.
func handler(ctx context.Context, _ events.CloudWatchEvent) (events.APIGatewayProxyResponse, error) {
	res, err := normalize(ctx)
	if err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("normalize failed")
		return faults.Response(err), err
	}
	return faults.OK(res), nil
}

func normalize(ctx context.Context) (result, error) {
	s := loadSettings()
	client, err := newS3Client(ctx)
	if err != nil {
		return result{}, faults.Upstream("load aws config", err)
	}
	store := objstore.New(client)

	year := now().UTC().Year()
	prefix := strings.TrimSuffix(s.SourcePrefix, "/")
	log.Info().Str("path", fmt.Sprintf("s3://%s/%s", s.SourceBucket, honeypot.YearPattern(prefix, year))).Msg("reading batches")

	keys, err := store.List(ctx, s.SourceBucket, honeypot.YearPrefix(prefix, year))
	if err != nil {
		return result{}, err
	}

	var table dataset.Table
	files := 0
	for _, key := range keys {
		if !honeypot.MatchYear(prefix, year, key) {
			continue
		}
		body, err := store.Get(ctx, s.SourceBucket, key)
		if objstore.IsNotFound(err) {
			log.Warn().Str("key", key).Msg("batch disappeared, skipping")
			continue
		}
		if err != nil {
			return result{}, err
		}
		hdr, rows, err := honeypot.DecodeCSVGZ(bytes.NewReader(body))
		if err != nil {
			return result{}, faults.Invalid("read %s: %v", key, err)
		}
		table.Append(hdr, rows)
		files++
	}

	if table.Len() == 0 {
		log.Info().Int("files", files).Msg("no data found")
		return result{Message: "no data found", Files: files}, nil
	}

	log.Info().Strs("columns", table.Columns).Int("rows", table.Len()).Int("files", files).Msg("batches read")
	for i, r := range table.Records()[:min(5, table.Len())] {
		log.Debug().Int("row", i).Strs("values", r).Msg("sample")
	}

	var out bytes.Buffer
	if err := honeypot.EncodeCSV(&out, table.Columns, table.Records()); err != nil {
		return result{}, err
	}

	inputPrefix := withSlash(s.InputPrefix)
	n, err := store.DeletePrefix(ctx, s.TargetBucket, inputPrefix)
	if err != nil {
		return result{}, err
	}
	log.Info().Int("deleted", n).Str("prefix", inputPrefix).Msg("cleared previous training input")

	outKey := fmt.Sprintf("%spart-00000-%s.csv", inputPrefix, uuid.NewString())
	if err := store.Put(ctx, s.TargetBucket, outKey, out.Bytes(), "text/csv"); err != nil {
		return result{}, err
	}
	log.Info().Str("bucket", s.TargetBucket).Str("key", outKey).Msg("wrote training input")

	res := result{Message: "normalized", Files: files, Rows: table.Len(), Columns: table.Columns, OutputKey: outKey}
	if s.CuratedPrefix != "" {
		key, err := writeCurated(ctx, store, s.TargetBucket, withSlash(s.CuratedPrefix), year, &table)
		if err != nil {
			return result{}, err
		}
		res.CuratedKey = key
	}
	return res, nil
}

// writeCurated writes the fixed event columns as snappy Parquet under a
// year= partition.
func writeCurated(ctx context.Context, store *objstore.Store, bucket, prefix string, year int, table *dataset.Table) (string, error) {
	buf := new(bytes.Buffer)
	w := parquet.NewWriter(buf,
		parquet.SchemaOf(new(honeypot.Record)),
		parquet.Compression(&snappy.Codec{}),
	)
	for _, r := range table.Records() {
		if err := w.Write(honeypot.RecordFrom(table.Columns, r)); err != nil {
			return "", fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("parquet close: %w", err)
	}

	key := fmt.Sprintf("%syear=%d/part-0000.snappy.parquet", prefix, year)
	if err := store.Put(ctx, bucket, key, buf.Bytes(), "application/octet-stream"); err != nil {
		return "", err
	}
	log.Info().Str("key", key).Msg("wrote curated parquet")
	return key, nil
}

func withSlash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
