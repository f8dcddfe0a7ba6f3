package artifacts

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// LocalRepository stores artifacts in a directory tree.
type LocalRepository struct {
	root string
}

// NewLocalRepository returns a repository rooted at dir. The directory is
// created lazily on first upload.
func NewLocalRepository(dir string) (*LocalRepository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve artifact root %s", dir)
	}
	return &LocalRepository{root: abs}, nil
}

// Root returns the absolute directory of the repository.
func (r *LocalRepository) Root() string {
	return r.root
}

func (r *LocalRepository) resolve(artifactPath string) (string, error) {
	clean, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.root, filepath.FromSlash(clean)), nil
}

// Upload implements Repository.
func (r *LocalRepository) Upload(ctx context.Context, artifactPath string, src io.Reader, _ int64) error {
	dst, err := r.resolve(artifactPath)
	if err != nil {
		return err
	}
	if dst == r.root {
		return errors.NewTrackingError(errors.InvalidParameterValue, "artifact path must name a file")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "create artifact directory")
	}
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create artifact %s", artifactPath)
	}
	if _, err := io.Copy(f, readerWithContext(ctx, src)); err != nil {
		f.Close()
		return errors.Wrapf(err, "write artifact %s", artifactPath)
	}
	return errors.Wrapf(f.Close(), "close artifact %s", artifactPath)
}

// Open implements Repository.
func (r *LocalRepository) Open(_ context.Context, artifactPath string) (io.ReadCloser, error) {
	p, err := r.resolve(artifactPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.NewTrackingError(errors.ResourceDoesNotExist, "artifact %q does not exist", artifactPath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact %s", artifactPath)
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, errors.NewTrackingError(errors.InvalidParameterValue, "artifact %q is a directory", artifactPath)
	}
	return f, nil
}

// ListArtifacts implements Repository.
func (r *LocalRepository) ListArtifacts(_ context.Context, dir string) ([]FileInfo, error) {
	clean, err := cleanArtifactPath(dir)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(r.root, filepath.FromSlash(clean))
	st, err := os.Stat(p)
	if os.IsNotExist(err) || (err == nil && !st.IsDir()) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", dir)
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info := FileInfo{Path: path.Join(clean, e.Name()), IsDir: e.IsDir()}
		if !e.IsDir() {
			if fi, err := e.Info(); err == nil {
				info.FileSize = fi.Size()
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// readerWithContext stops copying once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
