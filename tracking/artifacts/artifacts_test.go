package artifacts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func readAll(t *testing.T, repo Repository, p string) string {
	t.Helper()
	rc, err := repo.Open(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestLocalRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "model", "MLmodel"), "flavors: {}\n")
	writeFile(t, filepath.Join(src, "model", "model.json"), "{}")
	writeFile(t, filepath.Join(src, "notes.txt"), "hello")

	require.NoError(t, LogArtifact(ctx, repo, filepath.Join(src, "notes.txt"), ""))
	require.NoError(t, LogArtifacts(ctx, repo, filepath.Join(src, "model"), "model"))

	root, err := repo.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{
		{Path: "model", IsDir: true},
		{Path: "notes.txt", FileSize: 5},
	}, root)

	children, err := repo.ListArtifacts(ctx, "model")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "model/MLmodel", children[0].Path)

	assert.Equal(t, "hello", readAll(t, repo, "notes.txt"))

	// ファイルや存在しないディレクトリの一覧は空
	empty, err := repo.ListArtifacts(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Empty(t, empty)
	empty, err = repo.ListArtifacts(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = repo.Open(ctx, "missing.txt")
	assert.True(t, errors.IsNotExist(err))

	dst := t.TempDir()
	local, err := DownloadArtifacts(ctx, repo, "model", dst)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(local, "MLmodel"))
	require.NoError(t, err)
	assert.Equal(t, "flavors: {}\n", string(data))

	local, err = DownloadArtifacts(ctx, repo, "notes.txt", dst)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "notes.txt"), local)

	var files []string
	require.NoError(t, WalkFiles(ctx, repo, "", func(fi FileInfo) error {
		files = append(files, fi.Path)
		return nil
	}))
	assert.Equal(t, []string{"model/MLmodel", "model/model.json", "notes.txt"}, files)
}

func TestArtifactPathValidation(t *testing.T) {
	ctx := context.Background()
	repo, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../escape.txt", "/abs.txt", "a/../../b"} {
		err := repo.Upload(ctx, p, strings.NewReader("x"), 1)
		assert.Equal(t, errors.InvalidParameterValue, errors.CodeOf(err), p)
	}
}

// proxyHandler は tracking server の artifact proxy と同じ振る舞いをする最小実装
func proxyHandler(t *testing.T, repo *LocalRepository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rel := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, ProxyRoute), "/")
		switch {
		case r.Method == http.MethodGet && rel == "":
			infos, err := repo.ListArtifacts(ctx, r.URL.Query().Get("path"))
			require.NoError(t, err)
			for i := range infos {
				infos[i].Path = filepath.Base(infos[i].Path)
			}
			_ = json.NewEncoder(w).Encode(listResponse{Files: infos})
		case r.Method == http.MethodPut:
			require.NoError(t, repo.Upload(ctx, rel, r.Body, r.ContentLength))
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			rc, err := repo.Open(ctx, rel)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"not found"}`))
				return
			}
			defer rc.Close()
			_, _ = io.Copy(w, rc)
		}
	})
}

func TestHTTPRepositoryAgainstProxy(t *testing.T) {
	ctx := context.Background()
	backing, err := NewLocalRepository(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(proxyHandler(t, backing))
	defer srv.Close()

	repo, err := NewRepository("mlflow-artifacts:/0/abc/artifacts", WithTrackingURI(srv.URL))
	require.NoError(t, err)
	require.IsType(t, &HTTPRepository{}, repo)

	require.NoError(t, repo.Upload(ctx, "model/model.json", strings.NewReader(`{"a":1}`), 7))
	assert.Equal(t, `{"a":1}`, readAll(t, backing, "0/abc/artifacts/model/model.json"))
	assert.Equal(t, `{"a":1}`, readAll(t, repo, "model/model.json"))

	infos, err := repo.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Path: "model", IsDir: true}}, infos)

	infos, err = repo.ListArtifacts(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Path: "model/model.json", FileSize: 7}}, infos)

	_, err = repo.Open(ctx, "missing")
	assert.True(t, errors.IsNotExist(err))

	direct, err := NewRepository(srv.URL + ProxyRoute + "/0/abc/artifacts")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, readAll(t, direct, "model/model.json"))
}

func TestNewRepositorySchemes(t *testing.T) {
	dir := t.TempDir()

	repo, err := NewRepository(dir)
	require.NoError(t, err)
	assert.IsType(t, &LocalRepository{}, repo)

	repo, err = NewRepository("file://" + filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.IsType(t, &LocalRepository{}, repo)

	repo, err = NewRepository("s3://bucket/prefix/0/run/artifacts", WithS3Config(S3Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}))
	require.NoError(t, err)
	s3, ok := repo.(*S3Repository)
	require.True(t, ok)
	assert.Equal(t, "bucket", s3.bucket)
	assert.Equal(t, "prefix/0/run/artifacts", s3.prefix)

	_, err = NewRepository("mlflow-artifacts:/0/run", WithTrackingURI("sqlite:///mlflow.db"))
	assert.Error(t, err)
	_, err = NewRepository("ftp://host/path")
	assert.Error(t, err)
	_, err = NewRepository("http://host/not-a-proxy")
	assert.Error(t, err)
}

func TestS3ConfigFromEnv(t *testing.T) {
	t.Setenv("MLFLOW_S3_ENDPOINT_URL", "http://minio:9000")
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	cfg := S3ConfigFromEnv()
	assert.Equal(t, "minio:9000", cfg.Endpoint)
	assert.False(t, cfg.Secure)
	assert.Equal(t, "key", cfg.AccessKey)
	assert.Equal(t, "secret", cfg.SecretKey)
}
