// Package archive exports a run as a single .tar.xz file: run.json with the
// run's metadata and data, followed by its artifacts under artifacts/.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
)

// Entry names inside an archive.
const (
	RunFile      = "run.json"
	ArtifactsDir = "artifacts"
)

// ExportRun writes the run and all of its artifacts to w as tar.xz.
func ExportRun(ctx context.Context, client *tracking.Client, runID string, w io.Writer) error {
	run, err := client.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	repo, err := client.ArtifactRepository(run.Info)
	if err != nil {
		return err
	}

	zw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "create xz writer")
	}
	tw := tar.NewWriter(zw)

	if err := writeArchive(ctx, tw, run, repo); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar stream")
	}
	return errors.Wrap(zw.Close(), "close xz stream")
}

func writeArchive(ctx context.Context, tw *tar.Writer, run *tracking.Run, repo artifacts.Repository) error {
	meta, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode run")
	}
	modTime := time.UnixMilli(run.Info.StartTime)
	if err := tw.WriteHeader(&tar.Header{
		Name:    RunFile,
		Mode:    0o644,
		Size:    int64(len(meta)),
		ModTime: modTime,
	}); err != nil {
		return errors.Wrap(err, "write run header")
	}
	if _, err := tw.Write(meta); err != nil {
		return errors.Wrap(err, "write run")
	}

	return artifacts.WalkFiles(ctx, repo, "", func(f artifacts.FileInfo) error {
		return copyArtifact(ctx, tw, repo, f, modTime)
	})
}

func copyArtifact(ctx context.Context, tw *tar.Writer, repo artifacts.Repository, f artifacts.FileInfo, modTime time.Time) error {
	rc, err := repo.Open(ctx, f.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	// サイズが不明なリポジトリもあるので一度読み切る
	data, err := io.ReadAll(rc)
	if err != nil {
		return errors.Wrapf(err, "read artifact %s", f.Path)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Join(ArtifactsDir, f.Path),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}); err != nil {
		return errors.Wrapf(err, "write header for %s", f.Path)
	}
	_, err = tw.Write(data)
	return errors.Wrapf(err, "write artifact %s", f.Path)
}

// Inspect reads an archive written by ExportRun and returns the run and the
// artifact paths it contains.
func Inspect(r io.Reader) (*tracking.Run, []string, error) {
	var run *tracking.Run
	var paths []string
	err := Walk(r, func(name string, body io.Reader) error {
		if name == RunFile {
			run = &tracking.Run{}
			return errors.Wrap(json.NewDecoder(body).Decode(run), "decode run.json")
		}
		if rel, ok := strings.CutPrefix(name, ArtifactsDir+"/"); ok {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, errors.NewTrackingError(errors.InvalidParameterValue, "archive has no %s", RunFile)
	}
	return run, paths, nil
}

// Walk calls fn for every regular file in a tar.xz stream.
func Walk(r io.Reader, fn func(name string, body io.Reader) error) error {
	zr, err := xz.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "open xz stream")
	}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(hdr.Name, tr); err != nil {
			return err
		}
	}
}
