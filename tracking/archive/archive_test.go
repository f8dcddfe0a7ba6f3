package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
	_ "github.com/YuminosukeSato/regtrack/tracking/filestore"
)

func TestExportAndInspect(t *testing.T) {
	ctx := context.Background()
	c, err := tracking.NewClient(ctx, filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	defer c.Close()

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	var runID string
	err = c.WithRun(ctx, "", func(ctx context.Context, run *tracking.ActiveRun) error {
		runID = run.ID()
		if err := run.LogParam(ctx, "alpha", "0.5"); err != nil {
			return err
		}
		if err := run.LogMetric(ctx, "loss", 0.25, 0); err != nil {
			return err
		}
		if err := run.LogArtifact(ctx, local, "docs"); err != nil {
			return err
		}
		return run.LogText(ctx, "{}", "model/MLmodel")
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportRun(ctx, c, runID, &buf))

	run, paths, err := Inspect(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, runID, run.Info.RunID)
	assert.Equal(t, tracking.StatusFinished, run.Info.Status)
	assert.Equal(t, "0.5", run.Data.ParamMap()["alpha"])
	assert.Equal(t, 0.25, run.Data.MetricMap()["loss"])
	assert.ElementsMatch(t, []string{"docs/notes.txt", "model/MLmodel"}, paths)

	var content string
	err = Walk(bytes.NewReader(buf.Bytes()), func(name string, body io.Reader) error {
		if name == "artifacts/docs/notes.txt" {
			b, err := io.ReadAll(body)
			content = string(b)
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestExportUnknownRun(t *testing.T) {
	ctx := context.Background()
	c, err := tracking.NewClient(ctx, filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	defer c.Close()

	err = ExportRun(ctx, c, "0123456789abcdef0123456789abcdef", io.Discard)
	assert.True(t, errors.IsNotExist(err))
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, _, err := Inspect(bytes.NewReader([]byte("not an archive")))
	assert.Error(t, err)
}
