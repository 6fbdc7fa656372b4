package offsite

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3Client interface {
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Sink stores each backup as one object, <prefix>/<description>.gpg.
type S3Sink struct {
	Bucket            string
	Prefix            string
	DescriptionPrefix string

	uploader s3Uploader
	client   s3Client
	log      logrus.FieldLogger
}

func (s *S3Sink) Name() string { return "s3 " + s.Bucket + "/" + s.Prefix }

// Key is the object key for description.
func (s *S3Sink) Key(description string) string {
	return path.Join(s.Prefix, description+".gpg")
}

// Push implements Sink. The uploader switches to a multipart upload sized by
// the configured chunk size for streams larger than one part.
func (s *S3Sink) Push(ctx context.Context, r io.Reader, description string) error {
	key := s.Key(description)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

// RemoveExpired implements Sink. Only objects directly under the prefix
// whose names start with the description prefix are considered.
func (s *S3Sink) RemoveExpired(ctx context.Context, olderThan time.Time) error {
	listPrefix := s.DescriptionPrefix
	if s.Prefix != "" {
		listPrefix = s.Prefix + "/" + s.DescriptionPrefix
	}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(listPrefix),
	})
	var expired []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", s.Bucket, listPrefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.Contains(strings.TrimPrefix(key, s.Prefix+"/"), "/") {
				continue
			}
			if obj.LastModified != nil && obj.LastModified.Before(olderThan) {
				expired = append(expired, key)
			}
		}
	}
	if len(expired) == 0 {
		return nil
	}
	s.log.Infof("== Removing backups older than %s", olderThan.Format(time.DateOnly))
	for _, key := range expired {
		s.log.Infof("-> %s", key)
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("deleting s3://%s/%s: %w", s.Bucket, key, err)
		}
	}
	return nil
}
