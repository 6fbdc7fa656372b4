package offsite

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"vm-backup/src/target"
)

// Sink is a remote destination for encrypted backups.
type Sink interface {
	// Name describes the destination in log lines.
	Name() string
	// Push stores the whole of r under description.
	Push(ctx context.Context, r io.Reader, description string) error
	// RemoveExpired deletes backups created before olderThan.
	RemoveExpired(ctx context.Context, olderThan time.Time) error
}

// Options configures sink construction.
type Options struct {
	// ChunkSize is the multipart upload part size.
	ChunkSize int64
	// ArchiveList is the Glacier archive-record CSV.
	ArchiveList string
	// DescriptionPrefix restricts expiry to backups this tool pushed.
	DescriptionPrefix string

	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string

	Log logrus.FieldLogger
	Now func() time.Time
}

func (o Options) logger() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// NewSink builds the sink for t.
func NewSink(ctx context.Context, t target.Target, opts Options) (Sink, error) {
	switch t.Kind {
	case target.KindFile:
		return &FileSink{Dir: t.DirPath, ChunkSize: opts.ChunkSize, Log: opts.logger()}, nil
	case target.KindS3:
		cfg, err := awsConfig(ctx, opts)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
				o.UsePathStyle = true
			}
		})
		up := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = max(opts.ChunkSize, manager.MinUploadPartSize)
		})
		return &S3Sink{Bucket: t.Bucket, Prefix: t.Prefix, DescriptionPrefix: opts.DescriptionPrefix, uploader: up, client: client, log: opts.logger()}, nil
	case target.KindGlacier:
		cfg, err := awsConfig(ctx, opts)
		if err != nil {
			return nil, err
		}
		client := glacier.NewFromConfig(cfg, func(o *glacier.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		})
		return &GlacierSink{Vault: t.Vault, ChunkSize: opts.ChunkSize, ArchiveList: opts.ArchiveList, client: client, log: opts.logger(), now: opts.now}, nil
	}
	return nil, fmt.Errorf("unsupported offsite target %s", t)
}

// awsConfig loads the SDK configuration, preferring static keys when both
// are configured.
func awsConfig(ctx context.Context, opts Options) (aws.Config, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return cfg, nil
}
