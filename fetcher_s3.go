package sketch

import (
	"context"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config connects the engine to an S3-compatible object store. Objects are
// addressed as s3://bucket/key.
type S3Config struct {
	Endpoint  string `env:"SKETCH_S3_ENDPOINT"`
	AccessKey string `env:"SKETCH_S3_ACCESS_KEY"`
	SecretKey string `env:"SKETCH_S3_SECRET_KEY"`
	Region    string `env:"SKETCH_S3_REGION"`
	UseSSL    bool   `env:"SKETCH_S3_USE_SSL" envDefault:"true"`
}

// Enabled reports whether an endpoint is configured.
func (c S3Config) Enabled() bool { return c.Endpoint != "" }

func newS3Client(cfg S3Config) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// s3Downloader downloads s3:// URIs.
type s3Downloader struct {
	client *minio.Client
}

func (s s3Downloader) accepts(uri string) bool {
	_, _, ok := parseS3URI(uri)
	return ok
}

func parseS3URI(uri string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", false
	}
	return u.Host, key, true
}

func (s s3Downloader) download(ctx context.Context, req *Request) ([]byte, string, error) {
	bucket, key, _ := parseS3URI(req.URI)

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, "", s3Error(ctx, err, req.URI)
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s3Error(ctx, err, req.URI)
	}
	defer obj.Close()

	data, err := readBody(ctx, req, obj, info.Size)
	if err != nil {
		return nil, "", err
	}
	return data, info.ContentType, nil
}

func s3Error(ctx context.Context, err error, uri string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied":
		return newPermanentFetchError(err, "get %s", uri)
	default:
		return newFetchError(err, "get %s", uri)
	}
}
