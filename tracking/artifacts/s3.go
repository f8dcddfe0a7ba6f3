package artifacts

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// S3Config holds the endpoint and credentials of an S3-compatible store.
type S3Config struct {
	Endpoint     string
	Secure       bool
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
}

// S3ConfigFromEnv reads the variables MLflow uses: MLFLOW_S3_ENDPOINT_URL,
// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN and
// AWS_DEFAULT_REGION. Without an endpoint, AWS S3 is used.
func S3ConfigFromEnv() S3Config {
	cfg := S3Config{
		Endpoint:     "s3.amazonaws.com",
		Secure:       true,
		AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
		Region:       os.Getenv("AWS_DEFAULT_REGION"),
	}
	if ep := os.Getenv("MLFLOW_S3_ENDPOINT_URL"); ep != "" {
		if u, err := url.Parse(ep); err == nil && u.Host != "" {
			cfg.Endpoint = u.Host
			cfg.Secure = u.Scheme == "https"
		} else {
			cfg.Endpoint = ep
		}
	}
	return cfg
}

// S3Repository stores artifacts as objects under a bucket prefix.
type S3Repository struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Repository connects to the bucket described by cfg.
func NewS3Repository(bucket, prefix string, cfg S3Config) (*S3Repository, error) {
	if bucket == "" {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue, "s3 artifact URI must name a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client failed")
	}
	return &S3Repository{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (r *S3Repository) key(artifactPath string) (string, error) {
	clean, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return "", err
	}
	return path.Join(r.prefix, clean), nil
}

// Upload implements Repository.
func (r *S3Repository) Upload(ctx context.Context, artifactPath string, src io.Reader, size int64) error {
	key, err := r.key(artifactPath)
	if err != nil {
		return err
	}
	_, err = r.client.PutObject(ctx, r.bucket, key, src, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	return errors.Wrapf(err, "put s3://%s/%s", r.bucket, key)
}

// Open implements Repository.
func (r *S3Repository) Open(ctx context.Context, artifactPath string) (io.ReadCloser, error) {
	key, err := r.key(artifactPath)
	if err != nil {
		return nil, err
	}
	if _, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.NewTrackingError(errors.ResourceDoesNotExist, "artifact %q does not exist", artifactPath)
		}
		return nil, errors.Wrapf(err, "stat s3://%s/%s", r.bucket, key)
	}
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", r.bucket, key)
	}
	return obj, nil
}

// ListArtifacts implements Repository.
func (r *S3Repository) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	clean, err := cleanArtifactPath(dir)
	if err != nil {
		return nil, err
	}
	prefix := path.Join(r.prefix, clean)
	if prefix != "" {
		prefix += "/"
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	infos := []FileInfo{}
	for object := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, errors.Wrapf(object.Err, "list s3://%s/%s", r.bucket, prefix)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}
		info := FileInfo{Path: path.Join(clean, name), IsDir: isDir}
		if !isDir {
			info.FileSize = object.Size
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml", ".txt", "":
		return "text/plain"
	case ".png":
		return "image/png"
	}
	return "application/octet-stream"
}
