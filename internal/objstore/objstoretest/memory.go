// Package objstoretest provides an in-memory objstore.API for handler tests.
package objstoretest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Memory is a bucket/key map. PageSize > 0 forces paginated listings.
// ListHook, when set, runs before each listing; tests use it to make
// objects appear late.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	PageSize int
	Lists    int
	Deleted  []string
	ListHook func(call int)
	Err      error
}

func New() *Memory { return &Memory{objects: map[string][]byte{}} }

func id(bucket, key string) string { return bucket + "\x00" + key }

// Set stores an object directly.
func (m *Memory) Set(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id(bucket, key)] = append([]byte(nil), body...)
}

// Object returns a stored object.
func (m *Memory) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[id(bucket, key)]
	return b, ok
}

// Keys returns the sorted keys in bucket.
func (m *Memory) Keys(bucket string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if b, key, _ := strings.Cut(k, "\x00"); b == bucket {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	m.Lists++
	call, hook := m.Lists, m.ListHook
	m.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	var keys []string
	for _, k := range m.Keys(aws.ToString(in.Bucket)) {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if m.PageSize > 0 && len(keys) > m.PageSize {
		keys = keys[:m.PageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *Memory) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	b, ok := m.Object(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
	}, nil
}

func (m *Memory) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.Set(aws.ToString(in.Bucket), aws.ToString(in.Key), b)
	return &s3.PutObjectOutput{}, nil
}

func (m *Memory) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(m.objects, id(aws.ToString(in.Bucket), aws.ToString(o.Key)))
		m.Deleted = append(m.Deleted, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}
