package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rotisserie/eris"
)

// S3Options configures the S3 store.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// PathStyle is needed for MinIO and other S3-compatible endpoints.
	PathStyle bool
}

// S3 stores blobs as objects under an optional key prefix.
type S3 struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 store using the default credential chain.
func NewS3(opts S3Options) (*S3, error) {
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.PathStyle {
		cfg = cfg.WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "blobstore: create aws session")
	}
	return NewS3WithClient(s3.New(sess), opts.Bucket, opts.Prefix), nil
}

// NewS3WithClient creates an S3 store around an existing client.
func NewS3WithClient(client s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3) objectKey(key string) string {
	return Join(s.prefix, key)
}

// Put implements Store. A single PutObject is atomic from the reader's side.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return eris.Wrapf(err, "blobstore: put s3://%s/%s", s.bucket, s.objectKey(key))
	}
	return nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "blobstore: get s3://%s/%s", s.bucket, s.objectKey(key))
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: read s3://%s/%s", s.bucket, s.objectKey(key))
	}
	return data, nil
}

// List implements Store.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.objectKey(prefix)
	if strings.HasSuffix(prefix, "/") && full != "" {
		full += "/"
	}
	trim := ""
	if s.prefix != "" {
		trim = s.prefix + "/"
	}

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), trim))
		}
		return true
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blobstore: list s3://%s/%s", s.bucket, full)
	}
	return keys, nil
}
