// Package objstore wraps the handful of S3 calls every stage makes.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/darktracer/darktracer/internal/faults"
)

// API is the subset of the S3 client used by Store, narrow enough to fake.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// deleteBatch is the DeleteObjects per-request limit.
const deleteBatch = 1000

type Store struct {
	client API
}

func New(client API) *Store { return &Store{client: client} }

// List returns every key under prefix, following continuation tokens.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, faults.Upstream("s3 list "+bucket+"/"+prefix, err)
		}
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}
	return keys, nil
}

// Get reads a whole object.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, faults.Upstream("s3 get "+bucket+"/"+key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, faults.Upstream("s3 read "+bucket+"/"+key, err)
	}
	return b, nil
}

// Head reads at most n bytes of an object and reports its full size.
func (s *Store) Head(ctx context.Context, bucket, key string, n int64) ([]byte, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, 0, faults.Upstream("s3 get "+bucket+"/"+key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(io.LimitReader(out.Body, n))
	if err != nil {
		return nil, 0, faults.Upstream("s3 read "+bucket+"/"+key, err)
	}
	return b, aws.ToInt64(out.ContentLength), nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return faults.Upstream("s3 put "+bucket+"/"+key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns how many
// were deleted.
func (s *Store) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	keys, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, faults.Upstream("s3 delete "+bucket+"/"+prefix, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return deleted, faults.Upstream("s3 delete "+bucket+"/"+prefix,
				errors.New(aws.ToString(e.Key)+": "+aws.ToString(e.Message)))
		}
		deleted += len(ids)
	}
	return deleted, nil
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
