// Package s3 stores attachments in an S3 compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/GetStream/duochat/attachment"
)

// Config selects the bucket and how locators are produced.
type Config struct {
	Region string
	Bucket string
	// Endpoint overrides the service endpoint, for instance to use MinIO.
	// Path style addressing is used when it is set.
	Endpoint string
	// PublicBaseURL is the URL objects are publicly readable under. When
	// empty, locators are presigned URLs valid for PresignTTL.
	PublicBaseURL string
	PresignTTL    time.Duration
}

// S3 is an attachment.ObjectStore backed by an S3 bucket.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	cfg      Config
}

var _ attachment.ObjectStore = (*S3)(nil)

// Connect loads the AWS configuration from the environment and checks that
// the bucket is reachable.
func Connect(ctx context.Context, cfg Config) (*S3, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("head bucket %s: %w", cfg.Bucket, err)
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 7 * 24 * time.Hour
	}
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		cfg:      cfg,
	}, nil
}

// Put uploads body to path.
func (s *S3) Put(ctx context.Context, path, contentType string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(path),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("upload %s: %w", path, classify(err))
	}
	return nil
}

// Resolve checks that path exists and returns the URL it is retrieved from.
func (s *S3) Resolve(ctx context.Context, path string) (string, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return "", fmt.Errorf("head %s: %w", path, classify(err))
	}
	if s.cfg.PublicBaseURL != "" {
		return publicURL(s.cfg.PublicBaseURL, path), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return req.URL, nil
}

// Delete removes path. Deleting a missing object is not an error.
func (s *S3) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, classify(err))
	}
	return nil
}

func publicURL(base, path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// classify maps S3 error codes onto the attachment sentinels so uploads fail
// with the right kind.
func classify(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "EntityTooLarge", "QuotaExceeded", "ServiceQuotaExceededException":
		return fmt.Errorf("%w: %v", attachment.ErrQuotaExceeded, err)
	case "AccessDenied", "InvalidArgument", "InvalidRequest", "InvalidObjectState",
		"NoSuchBucket", "InvalidBucketName", "BadDigest", "KeyTooLongError":
		return fmt.Errorf("%w: %v", attachment.ErrRejected, err)
	case "NotFound", "NoSuchKey":
		return fmt.Errorf("%w: %v", attachment.ErrObjectNotFound, err)
	}
	return err
}
