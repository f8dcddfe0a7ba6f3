package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-http-utils/headers"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

// ProxyRoute is the tracking server route that serves artifacts.
const ProxyRoute = "/api/2.0/mlflow-artifacts/artifacts"

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRepository talks to a tracking server's artifact proxy. base is the
// full URL of the repository root below ProxyRoute.
type HTTPRepository struct {
	base   *url.URL
	client httpDoer
}

// NewHTTPRepository returns a repository for an http(s) artifact URI that
// contains ProxyRoute.
func NewHTTPRepository(uri string, client httpDoer) (*HTTPRepository, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse artifact URI %s", uri)
	}
	if !strings.Contains(u.Path, ProxyRoute) {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue,
			"http artifact URI %q must point below %s", uri, ProxyRoute)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPRepository{base: u, client: client}, nil
}

// newProxyRepository resolves mlflow-artifacts:/path (host from the
// tracking URI) and mlflow-artifacts://host/path.
func newProxyRepository(u *url.URL, o options) (*HTTPRepository, error) {
	var base url.URL
	if u.Host != "" {
		base = url.URL{Scheme: "http", Host: u.Host}
	} else {
		t, err := url.Parse(o.trackingURI)
		if err != nil || (t.Scheme != "http" && t.Scheme != "https") {
			return nil, errors.NewTrackingError(errors.InvalidParameterValue,
				"mlflow-artifacts URIs require an http(s) tracking URI, got %q", o.trackingURI)
		}
		base = url.URL{Scheme: t.Scheme, Host: t.Host, Path: strings.TrimSuffix(t.Path, "/")}
	}
	base.Path = base.Path + ProxyRoute + "/" + strings.TrimPrefix(u.Path, "/")
	return NewHTTPRepository(base.String(), o.httpClient)
}

func (r *HTTPRepository) fileURL(artifactPath string) (string, error) {
	clean, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return "", err
	}
	u := *r.base
	u.Path = path.Join(u.Path, clean)
	return u.String(), nil
}

// Upload implements Repository.
func (r *HTTPRepository) Upload(ctx context.Context, artifactPath string, src io.Reader, size int64) error {
	target, err := r.fileURL(artifactPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, src)
	if err != nil {
		return errors.Wrap(err, "build upload request")
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set(headers.ContentType, contentTypeFor(artifactPath))
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "upload %s", artifactPath)
	}
	defer resp.Body.Close()
	return checkResponse(resp, "upload "+artifactPath)
}

// Open implements Repository.
func (r *HTTPRepository) Open(ctx context.Context, artifactPath string) (io.ReadCloser, error) {
	target, err := r.fileURL(artifactPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", artifactPath)
	}
	if err := checkResponse(resp, "download "+artifactPath); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

type listResponse struct {
	Files []FileInfo `json:"files"`
}

// ListArtifacts implements Repository. The server returns base names; they
// are joined with dir here.
func (r *HTTPRepository) ListArtifacts(ctx context.Context, dir string) ([]FileInfo, error) {
	clean, err := cleanArtifactPath(dir)
	if err != nil {
		return nil, err
	}
	root, rel, ok := strings.Cut(r.base.Path, ProxyRoute)
	if !ok {
		return nil, errors.NewTrackingError(errors.InvalidParameterValue, "artifact URI lost its proxy route")
	}
	u := *r.base
	u.Path = root + ProxyRoute
	q := url.Values{}
	q.Set("path", strings.TrimPrefix(path.Join(rel, clean), "/"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build list request")
	}
	req.Header.Set(headers.Accept, "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, "list "+dir); err != nil {
		return nil, err
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode artifact listing")
	}
	infos := make([]FileInfo, 0, len(body.Files))
	for _, f := range body.Files {
		f.Path = path.Join(clean, path.Base(f.Path))
		infos = append(infos, f)
	}
	return infos, nil
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func checkResponse(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(data, &body) == nil && body.ErrorCode != "" {
		return errors.NewTrackingError(errors.ErrorCode(body.ErrorCode), "%s: %s", op, body.Message)
	}
	code := errors.InternalError
	if resp.StatusCode == http.StatusNotFound {
		code = errors.ResourceDoesNotExist
	}
	return errors.NewTrackingError(code, "%s: %s", op, fmt.Sprintf("HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(data))))
}
