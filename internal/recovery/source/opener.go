package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/donorrecon/internal/config"
	"go.uber.org/zap"
)

var ErrInvalidLocation = errors.New("invalid_export_location")

// ObjectGetter is the slice of the S3 client the opener needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Opener resolves an export location to a reader. Locations are either a
// local path or an s3://bucket/key URI.
type Opener struct {
	region string
	log    *zap.Logger

	once   sync.Once
	client ObjectGetter
	err    error
}

func NewOpener(cfg config.Config, log *zap.Logger) *Opener {
	return &Opener{region: cfg.AWSRegion, log: log.Named("recovery.source")}
}

// NewOpenerWithClient uses the given S3 client instead of loading AWS config.
func NewOpenerWithClient(client ObjectGetter, log *zap.Logger) *Opener {
	o := &Opener{client: client, log: log.Named("recovery.source")}
	o.once.Do(func() {})
	return o
}

func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrInvalidLocation
	}
	if !strings.HasPrefix(location, "s3://") {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open export: %w", err)
		}
		return f, nil
	}

	bucket, key, err := parseS3URI(location)
	if err != nil {
		return nil, err
	}
	client, err := o.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", bucket, key, err)
	}
	o.log.Info("recovery.source.s3_opened", zap.String("bucket", bucket), zap.String("key", key))
	return out.Body, nil
}

func (o *Opener) s3Client(ctx context.Context) (ObjectGetter, error) {
	o.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(o.region))
		if err != nil {
			o.err = fmt.Errorf("load aws config: %w", err)
			return
		}
		o.client = s3.NewFromConfig(cfg)
	})
	return o.client, o.err
}

func parseS3URI(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidLocation, raw)
	}
	return u.Host, key, nil
}
