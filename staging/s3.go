package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const uploadPartSize = 10 * 1024 * 1024

// S3 is the production staging store. Writes stream through the SDK's
// upload manager, which performs multipart uploads with bounded part
// buffers and aborts the multipart transaction on failure.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	root     string
}

// NewS3 builds an S3 store from the ambient AWS configuration. The root
// URL has the form s3://bucket/optional/prefix.
func NewS3(ctx context.Context, rootURL string) (*S3, error) {
	var trimmed = strings.TrimPrefix(rootURL, "s3://")
	if trimmed == rootURL || trimmed == "" {
		return nil, fmt.Errorf("object store root %q is not an s3:// URL", rootURL)
	}
	bucket, root, _ := strings.Cut(strings.Trim(trimmed, "/"), "/")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	var client = s3.NewFromConfig(cfg)

	return &S3{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: bucket,
		root:   root,
	}, nil
}

func (s *S3) objectKey(key string) string {
	if s.root == "" {
		return key
	}
	return s.root + "/" + key
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	var _, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	return out.Body, nil
}

// Exists implements Store.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	var _, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("probing %s: %w", key, err)
	}
	return true, nil
}

// List implements Store.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var paginator = s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			var key = aws.ToString(obj.Key)
			if s.root != "" {
				key = strings.TrimPrefix(key, s.root+"/")
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// URL implements Store.
func (s *S3) URL(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

var _ Store = (*S3)(nil)
