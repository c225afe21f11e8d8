// Command train fits the honeypot port classifier on the normalized CSVs
// in the training bucket and publishes it as an ONNX model.
package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/config"
	"github.com/darktracer/darktracer/internal/dataset"
	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/forest"
	"github.com/darktracer/darktracer/internal/honeypot"
	"github.com/darktracer/darktracer/internal/logger"
	"github.com/darktracer/darktracer/internal/objstore"
	"github.com/darktracer/darktracer/internal/onnx"
)

const (
	modelFile = "model.onnx"
	// attacks on FTP are the positive class
	positivePort = 21
	testFraction = 0.2
)

var newS3Client = func(ctx context.Context) (objstore.API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

type settings struct {
	Bucket       string
	InputPrefix  string
	OutputPrefix string
	ModelDir     string
	Forest       forest.Config
}

func loadSettings() (settings, error) {
	p := config.LoadProject("ENVIRONMENT")
	s := settings{
		Bucket:       config.EnvOr("TRAINING_BUCKET", p.TrainingBucket()),
		InputPrefix:  config.EnvOr("INPUT_PREFIX", "input/"),
		OutputPrefix: config.EnvOr("OUTPUT_PREFIX", "output"),
		ModelDir:     config.EnvOr("MODEL_DIR", "/opt/ml/model"),
		Forest:       forest.DefaultConfig(),
	}
	var err error
	if s.Forest.NumTrees, err = config.Int("NUM_TREES", s.Forest.NumTrees); err != nil {
		return s, err
	}
	if s.Forest.MaxDepth, err = config.Int("MAX_DEPTH", 0); err != nil {
		return s, err
	}
	return s, nil
}

func main() {
	logger.Init(logger.FromEnv("train"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Error().Err(err).Str("kind", faults.KindOf(err)).Msg("training failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := newS3Client(ctx)
	if err != nil {
		return faults.Upstream("load aws config", err)
	}
	store := objstore.New(client)

	table, err := load(ctx, store, s.Bucket, s.InputPrefix)
	if err != nil {
		return err
	}

	labels, err := table.Labels("dst_port", positivePort)
	if err != nil {
		return err
	}
	features := table.Numeric(dataset.LabelColumn)
	if len(features) == 0 {
		return faults.Invalid("no numeric feature columns in %d rows", table.Len())
	}
	x := table.Matrix(features)

	trainIdx, testIdx, err := dataset.Split(len(x), testFraction, s.Forest.Seed)
	if err != nil {
		return err
	}
	xTrain, yTrain := dataset.Take(x, labels, trainIdx)
	xTest, yTest := dataset.Take(x, labels, testIdx)

	model, err := forest.Fit(xTrain, yTrain, s.Forest)
	if err != nil {
		return err
	}
	log.Info().
		Strs("features", features).
		Int("train_rows", len(xTrain)).
		Int("test_rows", len(xTest)).
		Float64("accuracy", model.Accuracy(xTest, yTest)).
		Msg("model trained")

	body, err := onnx.Encode(model)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.ModelDir, 0o755); err != nil {
		return err
	}
	local := filepath.Join(s.ModelDir, modelFile)
	if err := os.WriteFile(local, body, 0o644); err != nil {
		return err
	}

	key := path.Join(s.OutputPrefix, modelFile)
	if err := store.Put(ctx, s.Bucket, key, body, "application/octet-stream"); err != nil {
		return err
	}
	log.Info().Str("local", local).Str("bucket", s.Bucket).Str("key", key).Int("bytes", len(body)).Msg("model saved")
	return nil
}

// load concatenates every CSV under prefix by column name.
func load(ctx context.Context, store *objstore.Store, bucket, prefix string) (*dataset.Table, error) {
	keys, err := store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	table := &dataset.Table{}
	files := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".csv") {
			continue
		}
		raw, err := store.Get(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		header, rows, err := honeypot.DecodeCSV(bytes.NewReader(raw))
		if err != nil {
			return nil, faults.Invalid("decode %s: %v", key, err)
		}
		table.Append(header, rows)
		files++
		log.Debug().Str("key", key).Int("rows", len(rows)).Msg("loaded")
	}
	if files == 0 {
		return nil, faults.Invalid("no CSV files under s3://%s/%s", bucket, prefix)
	}
	log.Info().Int("files", files).Int("rows", table.Len()).Msg("training data loaded")
	return table, nil
}
