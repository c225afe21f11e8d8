package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/objstore"
	"github.com/darktracer/darktracer/internal/objstore/objstoretest"
)

const bucket = "darktracer-training-bucket-test"

func setup(t *testing.T) (*objstoretest.Memory, string) {
	t.Helper()
	mem := objstoretest.New()
	old := newS3Client
	newS3Client = func(ctx context.Context) (objstore.API, error) { return mem, nil }
	t.Cleanup(func() { newS3Client = old })

	dir := t.TempDir()
	t.Setenv("TRAINING_BUCKET", bucket)
	t.Setenv("MODEL_DIR", dir)
	t.Setenv("NUM_TREES", "5")
	return mem, dir
}

func trainingCSV(rows int, offset int) []byte {
	var b strings.Builder
	b.WriteString("utc_time,src_host,src_port,dst_port,logtype\n")
	for i := 0; i < rows; i++ {
		port := 22
		if (i+offset)%3 == 0 {
			port = 21
		}
		fmt.Fprintf(&b, "2025-06-01 12:00:%02d,203.0.113.%d,%d,%d,%d\n", i%60, i%250, 40000+i, port, 4000+port)
	}
	return []byte(b.String())
}

func TestRun_TrainsAndUploads(t *testing.T) {
	mem, dir := setup(t)
	mem.Set(bucket, "input/part-00000-a.csv", trainingCSV(60, 0))
	mem.Set(bucket, "input/part-00001-b.csv", trainingCSV(40, 1))
	mem.Set(bucket, "input/_SUCCESS", nil)

	if err := run(context.Background()); err != nil {
		t.Fatal(err)
	}

	uploaded, ok := mem.Object(bucket, "output/model.onnx")
	if !ok || len(uploaded) == 0 {
		t.Fatalf("model not uploaded: %v", mem.Keys(bucket))
	}
	local, err := os.ReadFile(filepath.Join(dir, "model.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	if string(local) != string(uploaded) {
		t.Fatal("local and uploaded models differ")
	}
}

func TestRun_NoCSV(t *testing.T) {
	mem, _ := setup(t)
	mem.Set(bucket, "input/notes.txt", []byte("x"))

	err := run(context.Background())
	if faults.KindOf(err) != "invalid" {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if _, ok := mem.Object(bucket, "output/model.onnx"); ok {
		t.Fatal("model uploaded after failure")
	}
}

func TestRun_MissingLabelColumn(t *testing.T) {
	mem, _ := setup(t)
	mem.Set(bucket, "input/a.csv", []byte("src_port,logtype\n1,2\n3,4\n"))

	if err := run(context.Background()); err == nil || !strings.Contains(err.Error(), "dst_port") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestRun_BadNumTrees(t *testing.T) {
	setup(t)
	t.Setenv("NUM_TREES", "many")
	if err := run(context.Background()); err == nil {
		t.Fatal("expected config error")
	}
}
