package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
)

const (
	previewBytes = 500
	retention    = 30 * 24 * time.Hour
)

// dynamoAPI defines the subset of DynamoDB methods used, to enable mocking in tests.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type clients struct {
	s3     objstore.API
	dynamo dynamoAPI
}

var newClients = func(ctx context.Context) (*clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &clients{s3: s3.NewFromConfig(cfg), dynamo: dynamodb.NewFromConfig(cfg)}, nil
}

var now = time.Now

// ingestRecord is one landed object. ExpiresAt drives the table TTL.
type ingestRecord struct {
	ObjectKey  string `dynamodbav:"object_key"`
	Bucket     string `dynamodbav:"bucket"`
	Size       int64  `dynamodbav:"size"`
	Preview    string `dynamodbav:"preview"`
	Encoding   string `dynamodbav:"preview_encoding"`
	ReceivedAt string `dynamodbav:"received_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func main() {
	logger.Init(logger.FromEnv("object_inspector"))
	lambda.Start(handler)
}

func handler(ctx context.Context, evt events.S3Event) (events.APIGatewayProxyResponse, error) {
	if err := inspect(ctx, evt); err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("inspect failed")
		return faults.Response(err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: 200, Body: "Processed"}, nil
}

func inspect(ctx context.Context, evt events.S3Event) error {
	c, err := newClients(ctx)
	if err != nil {
		return faults.Upstream("load aws config", err)
	}
	store := objstore.New(c.s3)
	table := config.EnvOr("INGEST_TABLE", "")

	for _, rec := range evt.Records {
		bucket := rec.S3.Bucket.Name
		key := decodeKey(rec.S3.Object.Key)

		head, size, err := preview(ctx, store, bucket, key)
		if err != nil {
			return err
		}
		text, encoding := render(head)
		log.Info().Str("bucket", bucket).Str("key", key).Int64("size", size).Str("encoding", encoding).Str("preview", text).Msg("object received")

		if table == "" {
			continue
		}
		t := now().UTC()
		item, err := attributevalue.MarshalMap(ingestRecord{
			ObjectKey:  key,
			Bucket:     bucket,
			Size:       size,
			Preview:    text,
			Encoding:   encoding,
			ReceivedAt: t.Format(time.RFC3339),
			ExpiresAt:  t.Add(retention).Unix(),
		})
		if err != nil {
			return faults.Invalid("marshal ingest record: %v", err)
		}
		if _, err := c.dynamo.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(table), Item: item}); err != nil {
			return faults.Upstream("dynamodb put "+table, err)
		}
	}
	return nil
}

// preview returns up to previewBytes of the object's content and its stored
// size. Gzipped objects are previewed decompressed.
func preview(ctx context.Context, store *objstore.Store, bucket, key string) ([]byte, int64, error) {
	if !strings.HasSuffix(key, ".gz") {
		return store.Head(ctx, bucket, key, previewBytes)
	}
	raw, err := store.Get(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("not gzip, previewing raw bytes")
		return raw[:min(len(raw), previewBytes)], int64(len(raw)), nil
	}
	defer zr.Close()
	head, err := io.ReadAll(io.LimitReader(zr, previewBytes))
	if err != nil {
		return nil, 0, faults.Invalid("decompress %s: %v", key, err)
	}
	return head, int64(len(raw)), nil
}

// render returns b as text when it is UTF-8, dropping a rune cut off at the
// preview boundary, and as base64 otherwise.
func render(b []byte) (string, string) {
	t := b
	if n := len(t); n > 0 && !utf8.Valid(t) {
		i := n - 1
		for i > 0 && n-i < utf8.UTFMax && !utf8.RuneStart(t[i]) {
			i--
		}
		if !utf8.FullRune(t[i:]) {
			t = t[:i]
		}
	}
	if utf8.Valid(t) {
		return string(t), "text"
	}
	return base64.StdEncoding.EncodeToString(b), "base64"
}

// decodeKey undoes the form encoding S3 applies to event keys. Keys that
// fail to decode are used as given.
func decodeKey(k string) string {
	if d, err := url.QueryUnescape(k); err == nil {
		return d
	}
	return k
}
