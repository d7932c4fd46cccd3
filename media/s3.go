package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/glog"
)

type S3Conf struct {
	Bucket string
	Region string
	// Endpoint is set for S3 compatible stores such as MinIO, objects are then addressed
	// path-style: <endpoint>/<bucket>/<key>.
	Endpoint string
}

// S3Uploader uploads public-read objects and returns their URL.
type S3Uploader struct {
	conf     S3Conf
	uploader *manager.Uploader
}

func NewS3Uploader(ctx context.Context, conf S3Conf) (*S3Uploader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(conf.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})
	glog.Infof("s3 uploader: bucket: %s, region: %s, endpoint: %q", conf.Bucket, conf.Region, conf.Endpoint)
	return &S3Uploader{conf: conf, uploader: manager.NewUploader(client)}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.conf.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return u.URL(key), nil
}

// URL is the public address of key.
func (u *S3Uploader) URL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if u.conf.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(u.conf.Endpoint, "/"), u.conf.Bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.conf.Bucket, u.conf.Region, escaped)
}
