// Package artifacts stores run artifacts behind a URI-addressed repository:
// a local directory, an S3-compatible bucket, or a tracking server's
// artifact proxy.
package artifacts

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// FileInfo describes one entry of an artifact listing. Path is relative to
// the repository root and uses forward slashes.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Repository is an artifact store rooted at one URI.
type Repository interface {
	// Upload writes r to artifactPath, creating parent directories as needed.
	// size may be -1 when unknown.
	Upload(ctx context.Context, artifactPath string, r io.Reader, size int64) error

	// Open returns the content of the artifact file at artifactPath.
	Open(ctx context.Context, artifactPath string) (io.ReadCloser, error)

	// ListArtifacts lists the direct children of dir ("" for the root).
	// Listing a file or a missing directory returns an empty list.
	ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error)
}

// Option configures NewRepository.
type Option func(*options)

type options struct {
	trackingURI string
	httpClient  httpDoer
	s3          *S3Config
}

// WithTrackingURI sets the tracking server used to resolve
// "mlflow-artifacts:" URIs.
func WithTrackingURI(uri string) Option {
	return func(o *options) { o.trackingURI = uri }
}

// WithHTTPClient overrides the client used by the HTTP repository.
func WithHTTPClient(c httpDoer) Option {
	return func(o *options) { o.httpClient = c }
}

// WithS3Config overrides the environment-derived S3 settings.
func WithS3Config(cfg S3Config) Option {
	return func(o *options) { o.s3 = &cfg }
}

// NewRepository returns the repository for an artifact URI:
//
//	s3://bucket/prefix                         S3-compatible object storage
//	mlflow-artifacts:/path                     tracking server artifact proxy
//	http(s)://host/api/2.0/mlflow-artifacts/…  tracking server artifact proxy
//	file:///abs/path, relative/path            local directory
func NewRepository(uri string, opts ...Option) (Repository, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) == 1 {
		// Windows ドライブレターや解析できないパスはローカルとみなす
		return NewLocalRepository(uri)
	}
	switch u.Scheme {
	case "", "file":
		return NewLocalRepository(localPath(u))
	case "s3":
		cfg := S3ConfigFromEnv()
		if o.s3 != nil {
			cfg = *o.s3
		}
		return NewS3Repository(u.Host, strings.TrimPrefix(u.Path, "/"), cfg)
	case "mlflow-artifacts":
		return newProxyRepository(u, o)
	case "http", "https":
		return NewHTTPRepository(uri, o.httpClient)
	}
	return nil, errors.NewTrackingError(errors.InvalidParameterValue, "unsupported artifact URI scheme %q", u.Scheme)
}

func localPath(u *url.URL) string {
	return filepath.FromSlash(u.Path)
}

// cleanArtifactPath normalizes an artifact path and rejects paths that would
// escape the repository root.
func cleanArtifactPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", errors.NewTrackingError(errors.InvalidParameterValue, "artifact path %q must be relative", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", errors.NewTrackingError(errors.InvalidParameterValue, "artifact path %q must not contain '..'", p)
		}
	}
	c := path.Clean(p)
	if c == "." {
		return "", nil
	}
	return c, nil
}

// LogArtifact uploads localFile to artifactPath/<basename>.
func LogArtifact(ctx context.Context, repo Repository, localFile, artifactPath string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return errors.Wrapf(err, "open %s", localFile)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", localFile)
	}
	dst := path.Join(artifactPath, filepath.Base(localFile))
	return repo.Upload(ctx, dst, f, st.Size())
}

// LogArtifacts uploads the contents of localDir under artifactPath.
func LogArtifacts(ctx context.Context, repo Repository, localDir, artifactPath string) error {
	return filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return LogArtifact(ctx, repo, p, path.Join(artifactPath, path.Dir(filepath.ToSlash(rel))))
	})
}

// DownloadArtifacts copies the artifact file or directory at artifactPath
// into dst and returns the local path of the copy.
func DownloadArtifacts(ctx context.Context, repo Repository, artifactPath, dst string) (string, error) {
	artifactPath, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return "", err
	}
	local := filepath.Join(dst, filepath.FromSlash(artifactPath))

	children, err := repo.ListArtifacts(ctx, artifactPath)
	if err != nil {
		return "", err
	}
	if len(children) == 0 && artifactPath != "" {
		if err := downloadFile(ctx, repo, artifactPath, local); err != nil {
			return "", err
		}
		return local, nil
	}
	if err := os.MkdirAll(local, 0o755); err != nil {
		return "", errors.Wrap(err, "create download directory")
	}
	for _, child := range children {
		if child.IsDir {
			if _, err := DownloadArtifacts(ctx, repo, child.Path, dst); err != nil {
				return "", err
			}
			continue
		}
		if err := downloadFile(ctx, repo, child.Path, filepath.Join(dst, filepath.FromSlash(child.Path))); err != nil {
			return "", err
		}
	}
	return local, nil
}

func downloadFile(ctx context.Context, repo Repository, artifactPath, local string) error {
	rc, err := repo.Open(ctx, artifactPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return errors.Wrap(err, "create download directory")
	}
	f, err := os.Create(local)
	if err != nil {
		return errors.Wrapf(err, "create %s", local)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return errors.Wrapf(err, "download %s", artifactPath)
	}
	return errors.Wrapf(f.Close(), "close %s", local)
}

// WalkFiles calls fn for every file below dir, depth first.
func WalkFiles(ctx context.Context, repo Repository, dir string, fn func(FileInfo) error) error {
	children, err := repo.ListArtifacts(ctx, dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if child.IsDir {
			if err := WalkFiles(ctx, repo, child.Path, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(child); err != nil {
			return err
		}
	}
	return nil
}
