// Package artifact copies generated artifacts from short-lived upstream URLs
// into object storage the service controls.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
)

var (
	ErrDownloadFailed = errors.New("artifact download failed")
	ErrTooLarge       = errors.New("artifact exceeds size limit")
)

// Mirror stores an artifact and returns a URL that outlives the upstream one.
type Mirror interface {
	Mirror(ctx context.Context, sourceURL string) (string, error)
}

// PassThrough returns source URLs unchanged. Used when storage is disabled.
type PassThrough struct{}

func (PassThrough) Mirror(_ context.Context, sourceURL string) (string, error) {
	return sourceURL, nil
}

// S3Config configures an S3Mirror.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	PresignExpiry   time.Duration
	// MaxBytes caps downloaded artifacts. Zero means unlimited.
	MaxBytes int64
}

// S3ConfigFrom maps the storage section of the application config.
func S3ConfigFrom(cfg config.StorageConfig, maxBytes int64) S3Config {
	return S3Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		PresignExpiry:   cfg.PresignExpiry,
		MaxBytes:        maxBytes,
	}
}

// S3Mirror downloads artifacts and uploads them to an S3-compatible bucket
// such as R2.
type S3Mirror struct {
	client    *s3.Client
	presigner *s3.PresignClient
	http      *resty.Client
	cfg       S3Config
	now       func() time.Time
}

// NewS3Mirror creates an S3 mirror. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg S3Config, httpClient *http.Client) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 7 * 24 * time.Hour
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &S3Mirror{
		client:    client,
		presigner: s3.NewPresignClient(client),
		http:      resty.NewWithClient(httpClient),
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Mirror downloads sourceURL, stores it under <prefix>/<date>/<uuid>.<ext>
// and returns a presigned GET URL for the copy.
func (m *S3Mirror) Mirror(ctx context.Context, sourceURL string) (string, error) {
	data, contentType, err := m.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	key := m.objectKey(sourceURL, contentType)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	req, err := m.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = m.cfg.PresignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

func (m *S3Mirror) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	res, err := m.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return nil, "", fmt.Errorf("%w: status %d", ErrDownloadFailed, res.StatusCode())
	}

	reader := io.Reader(body)
	if m.cfg.MaxBytes > 0 {
		reader = io.LimitReader(body, m.cfg.MaxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if m.cfg.MaxBytes > 0 && int64(len(data)) > m.cfg.MaxBytes {
		return nil, "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, m.cfg.MaxBytes)
	}

	contentType := res.Header().Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (m *S3Mirror) objectKey(sourceURL, contentType string) string {
	date := m.now().UTC().Format("2006-01-02")
	name := uuid.NewString() + extension(sourceURL, contentType)
	return path.Join(m.cfg.Prefix, date, name)
}

// extension prefers the source URL's extension and falls back to the
// content type.
func extension(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

var (
	_ Mirror = PassThrough{}
	_ Mirror = (*S3Mirror)(nil)
)
