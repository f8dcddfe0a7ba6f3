// Package filestore は MLflow 互換の mlruns ディレクトリ構造に実験とランを保存する
// tracking.Store 実装です。
//
//	mlruns/<experiment_id>/meta.yaml
//	mlruns/<experiment_id>/tags/<key>
//	mlruns/<experiment_id>/<run_id>/meta.yaml
//	mlruns/<experiment_id>/<run_id>/{params,metrics,tags,inputs,artifacts}/
//
// メトリクスファイルは "<timestamp> <value> <step>" の行を追記していきます。
package filestore

import (
	"bufio"
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
)

const (
	metaFile    = "meta.yaml"
	paramsDir   = "params"
	metricsDir  = "metrics"
	tagsDir     = "tags"
	inputsDir   = "inputs"
	artifactDir = "artifacts"

	// sourceTypeLocal は MLflow の SourceType.LOCAL です。
	sourceTypeLocal = 4
)

func init() {
	tracking.RegisterStore("file", func(_ context.Context, u *url.URL, cfg tracking.StoreConfig) (tracking.Store, error) {
		root := filepath.FromSlash(u.Path)
		if root == "" {
			root = filepath.FromSlash(u.Opaque)
		}
		return New(root, WithArtifactRoot(cfg.DefaultArtifactRoot))
	})
}

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string             `yaml:"artifact_uri"`
	EndTime        *int64             `yaml:"end_time"`
	EntryPointName string             `yaml:"entry_point_name"`
	ExperimentID   string             `yaml:"experiment_id"`
	LifecycleStage string             `yaml:"lifecycle_stage"`
	RunID          string             `yaml:"run_id"`
	RunName        string             `yaml:"run_name"`
	RunUUID        string             `yaml:"run_uuid"`
	SourceName     string             `yaml:"source_name"`
	SourceType     int                `yaml:"source_type"`
	SourceVersion  string             `yaml:"source_version"`
	StartTime      int64              `yaml:"start_time"`
	Status         tracking.RunStatus `yaml:"status"`
	Tags           []string           `yaml:"tags"`
	UserID         string             `yaml:"user_id"`
}

func (m *runMeta) info() tracking.RunInfo {
	info := tracking.RunInfo{
		RunID:          m.RunID,
		RunUUID:        m.RunUUID,
		RunName:        m.RunName,
		ExperimentID:   m.ExperimentID,
		UserID:         m.UserID,
		Status:         m.Status,
		StartTime:      m.StartTime,
		ArtifactURI:    m.ArtifactURI,
		LifecycleStage: m.LifecycleStage,
	}
	if m.EndTime != nil {
		info.EndTime = *m.EndTime
	}
	return info
}

// Option configures a Store.
type Option func(*Store)

// WithArtifactRoot sets the artifact location prefix of new experiments.
// Empty keeps the default, a file URI of the store root.
func WithArtifactRoot(root string) Option {
	return func(s *Store) {
		if root != "" {
			s.artifactRoot = root
		}
	}
}

// Store is a tracking.Store on the local filesystem. Writes are serialized
// by a mutex, so one process may share a Store between goroutines.
type Store struct {
	root         string
	artifactRoot string
	logger       log.Logger

	mu sync.RWMutex
}

var _ tracking.Store = (*Store)(nil)

// New opens (and if necessary initializes) a store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = tracking.DefaultTrackingURI
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve store root %s", dir)
	}
	s := &Store{
		root:         abs,
		artifactRoot: "file://" + filepath.ToSlash(abs),
		logger:       log.GetLoggerWithName("filestore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store root %s", abs)
	}
	if _, err := os.Stat(filepath.Join(abs, tracking.DefaultExperimentID, metaFile)); os.IsNotExist(err) {
		now := tracking.NowMillis()
		meta := &experimentMeta{
			ArtifactLocation: tracking.ExperimentArtifactURI(s.artifactRoot, tracking.DefaultExperimentID),
			CreationTime:     now,
			ExperimentID:     tracking.DefaultExperimentID,
			LastUpdateTime:   now,
			LifecycleStage:   tracking.LifecycleActive,
			Name:             tracking.DefaultExperimentName,
		}
		if err := s.writeExperiment(meta); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string { return s.root }

// Close implements tracking.Store.
func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// 実験
// ---------------------------------------------------------------------------

// CreateExperiment implements tracking.Store.
func (s *Store) CreateExperiment(_ context.Context, name, artifactLocation string, tags []tracking.ExperimentTag) (string, error) {
	if err := tracking.ValidateExperimentName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.listExperiments()
	if err != nil {
		return "", err
	}
	next := 0
	for _, m := range metas {
		if m.Name == name {
			return "", errors.NewTrackingError(errors.ResourceAlreadyExists, "experiment '%s' already exists", name)
		}
		if id, err := strconv.Atoi(m.ExperimentID); err == nil && id >= next {
			next = id + 1
		}
	}
	id := strconv.Itoa(next)
	if artifactLocation == "" {
		artifactLocation = tracking.ExperimentArtifactURI(s.artifactRoot, id)
	}
	now := tracking.NowMillis()
	meta := &experimentMeta{
		ArtifactLocation: artifactLocation,
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   tracking.LifecycleActive,
		Name:             name,
	}
	if err := s.writeExperiment(meta); err != nil {
		return "", err
	}
	for _, t := range tags {
		if err := writeKeyFile(filepath.Join(s.root, id, tagsDir), t.Key, t.Value); err != nil {
			return "", err
		}
	}
	s.logger.Debug("experiment created", log.ExperimentIDKey, id, log.ExperimentNameKey, name)
	return id, nil
}

// GetExperiment implements tracking.Store.
func (s *Store) GetExperiment(_ context.Context, experimentID string) (*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, err := s.readExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	return s.toExperiment(meta)
}

// GetExperimentByName implements tracking.Store.
func (s *Store) GetExperimentByName(_ context.Context, name string) (*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas, err := s.listExperiments()
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		if m.Name == name {
			return s.toExperiment(m)
		}
	}
	return nil, errors.NewTrackingError(errors.ResourceDoesNotExist, "could not find experiment with name '%s'", name)
}

// SearchExperiments implements tracking.Store.
func (s *Store) SearchExperiments(_ context.Context, view tracking.ViewType) ([]*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas, err := s.listExperiments()
	if err != nil {
		return nil, err
	}
	out := make([]*tracking.Experiment, 0, len(metas))
	for _, m := range metas {
		if !view.Matches(m.LifecycleStage) {
			continue
		}
		exp, err := s.toExperiment(m)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// DeleteExperiment implements tracking.Store.
func (s *Store) DeleteExperiment(_ context.Context, experimentID string) error {
	if experimentID == tracking.DefaultExperimentID {
		return errors.NewTrackingError(errors.InvalidParameterValue, "cannot delete the default experiment '%s'", experimentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readExperiment(experimentID)
	if err != nil {
		return err
	}
	meta.LifecycleStage = tracking.LifecycleDeleted
	meta.LastUpdateTime = tracking.NowMillis()
	return s.writeExperiment(meta)
}

func (s *Store) toExperiment(m *experimentMeta) (*tracking.Experiment, error) {
	tags, err := readKeyFiles(filepath.Join(s.root, m.ExperimentID, tagsDir))
	if err != nil {
		return nil, err
	}
	exp := &tracking.Experiment{
		ExperimentID:     m.ExperimentID,
		Name:             m.Name,
		ArtifactLocation: m.ArtifactLocation,
		LifecycleStage:   m.LifecycleStage,
		CreationTime:     m.CreationTime,
		LastUpdateTime:   m.LastUpdateTime,
	}
	for _, k := range sortedKeys(tags) {
		exp.Tags = append(exp.Tags, tracking.ExperimentTag{Key: k, Value: tags[k]})
	}
	return exp, nil
}

func (s *Store) readExperiment(experimentID string) (*experimentMeta, error) {
	if experimentID == "" || strings.ContainsAny(experimentID, `/\.`) {
		return nil, tracking.ExperimentNotFound(experimentID)
	}
	var meta experimentMeta
	if err := readYAML(filepath.Join(s.root, experimentID, metaFile), &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, tracking.ExperimentNotFound(experimentID)
		}
		return nil, err
	}
	return &meta, nil
}

func (s *Store) writeExperiment(meta *experimentMeta) error {
	return writeYAML(filepath.Join(s.root, meta.ExperimentID, metaFile), meta)
}

// listExperiments は数値 ID 順に全実験のメタ情報を返します。
func (s *Store) listExperiments() ([]*experimentMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list experiments in %s", s.root)
	}
	var metas []*experimentMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readExperiment(e.Name())
		if errors.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		a, errA := strconv.Atoi(metas[i].ExperimentID)
		b, errB := strconv.Atoi(metas[j].ExperimentID)
		if errA == nil && errB == nil {
			return a < b
		}
		return metas[i].ExperimentID < metas[j].ExperimentID
	})
	return metas, nil
}

// ---------------------------------------------------------------------------
// ラン
// ---------------------------------------------------------------------------

// CreateRun implements tracking.Store.
func (s *Store) CreateRun(ctx context.Context, req tracking.CreateRunRequest) (*tracking.Run, error) {
	s.mu.Lock()
	exp, err := s.readExperiment(req.ExperimentID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		s.mu.Unlock()
		return nil, errors.NewTrackingError(errors.InvalidState,
			"could not create run under non-active experiment with id %s", req.ExperimentID)
	}

	runID := tracking.NewRunID()
	runName := req.RunName
	for _, t := range req.Tags {
		if t.Key == tracking.TagRunName && runName == "" {
			runName = t.Value
		}
	}
	startTime := req.StartTime
	if startTime == 0 {
		startTime = tracking.NowMillis()
	}
	meta := &runMeta{
		ArtifactURI:    tracking.RunArtifactURI(exp.ArtifactLocation, runID),
		ExperimentID:   req.ExperimentID,
		LifecycleStage: tracking.LifecycleActive,
		RunID:          runID,
		RunName:        runName,
		RunUUID:        runID,
		SourceType:     sourceTypeLocal,
		StartTime:      startTime,
		Status:         tracking.StatusRunning,
		Tags:           []string{},
		UserID:         req.UserID,
	}
	dir := filepath.Join(s.root, req.ExperimentID, runID)
	for _, sub := range []string{paramsDir, metricsDir, tagsDir, artifactDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			s.mu.Unlock()
			return nil, errors.Wrapf(err, "create run directory %s", dir)
		}
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, t := range req.Tags {
		if err := writeKeyFile(filepath.Join(dir, tagsDir), t.Key, t.Value); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	s.logger.Debug("run created", log.RunIDKey, runID, log.ExperimentIDKey, req.ExperimentID)
	return s.GetRun(ctx, runID)
}

// GetRun implements tracking.Store.
func (s *Store) GetRun(_ context.Context, runID string) (*tracking.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return nil, err
	}
	return s.loadRun(dir, meta)
}

func (s *Store) loadRun(dir string, meta *runMeta) (*tracking.Run, error) {
	run := &tracking.Run{Info: meta.info()}

	params, err := readKeyFiles(filepath.Join(dir, paramsDir))
	if err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(params) {
		run.Data.Params = append(run.Data.Params, tracking.Param{Key: k, Value: params[k]})
	}
	tags, err := readKeyFiles(filepath.Join(dir, tagsDir))
	if err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(tags) {
		run.Data.Tags = append(run.Data.Tags, tracking.RunTag{Key: k, Value: tags[k]})
	}

	var history []tracking.Metric
	metricRoot := filepath.Join(dir, metricsDir)
	keys, err := listKeys(metricRoot)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		ms, err := readMetricFile(metricRoot, key)
		if err != nil {
			return nil, err
		}
		history = append(history, ms...)
	}
	run.Data.Metrics = tracking.LatestMetrics(history)

	inputs, err := readInputs(filepath.Join(dir, inputsDir))
	if err != nil {
		return nil, err
	}
	run.Inputs.DatasetInputs = inputs
	return run, nil
}

// UpdateRunInfo implements tracking.Store.
func (s *Store) UpdateRunInfo(_ context.Context, runID string, status tracking.RunStatus, endTime int64, runName string) (*tracking.RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return nil, err
	}
	info := meta.info()
	if err := tracking.CheckRunActive(&info); err != nil {
		return nil, err
	}
	meta.Status = status
	if endTime != 0 {
		meta.EndTime = &endTime
	}
	if runName != "" {
		meta.RunName = runName
		if err := writeKeyFile(filepath.Join(dir, tagsDir), tracking.TagRunName, runName); err != nil {
			return nil, err
		}
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	info = meta.info()
	return &info, nil
}

// DeleteRun implements tracking.Store.
func (s *Store) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return err
	}
	meta.LifecycleStage = tracking.LifecycleDeleted
	return writeYAML(filepath.Join(dir, metaFile), meta)
}

// SearchRuns implements tracking.Store.
func (s *Store) SearchRuns(_ context.Context, experimentIDs []string, view tracking.ViewType, maxResults int) ([]*tracking.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*tracking.Run
	for _, expID := range experimentIDs {
		if _, err := s.readExperiment(expID); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(s.root, expID))
		if err != nil {
			return nil, errors.Wrapf(err, "list runs of experiment %s", expID)
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name() == tagsDir {
				continue
			}
			dir := filepath.Join(s.root, expID, e.Name())
			var meta runMeta
			if err := readYAML(filepath.Join(dir, metaFile), &meta); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			if !view.Matches(meta.LifecycleStage) {
				continue
			}
			run, err := s.loadRun(dir, &meta)
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		}
	}
	tracking.SortRuns(runs)
	if maxResults > 0 && len(runs) > maxResults {
		runs = runs[:maxResults]
	}
	return runs, nil
}

// LogBatch implements tracking.Store.
func (s *Store) LogBatch(_ context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error {
	if err := tracking.ValidateBatch(metrics, params, tags); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return err
	}
	info := meta.info()
	if err := tracking.CheckRunActive(&info); err != nil {
		return err
	}

	existing, err := readKeyFiles(filepath.Join(dir, paramsDir))
	if err != nil {
		return err
	}
	if err := tracking.CheckParamOverwrite(runID, existing, params); err != nil {
		return err
	}
	for _, p := range params {
		if _, ok := existing[p.Key]; ok {
			continue
		}
		if err := writeKeyFile(filepath.Join(dir, paramsDir), p.Key, p.Value); err != nil {
			return err
		}
	}
	for _, m := range metrics {
		if err := appendMetric(filepath.Join(dir, metricsDir), m); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if err := writeKeyFile(filepath.Join(dir, tagsDir), t.Key, t.Value); err != nil {
			return err
		}
		if t.Key == tracking.TagRunName && t.Value != meta.RunName {
			meta.RunName = t.Value
			if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// LogInputs implements tracking.Store. Inputs already linked to the run
// (same dataset name and digest) are skipped.
func (s *Store) LogInputs(_ context.Context, runID string, inputs []tracking.DatasetInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return err
	}
	info := meta.info()
	if err := tracking.CheckRunActive(&info); err != nil {
		return err
	}
	root := filepath.Join(dir, inputsDir)
	current, err := readInputs(root)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if hasInput(current, in) {
			continue
		}
		name := strconv.Itoa(len(current)) + ".yaml"
		if err := writeYAML(filepath.Join(root, name), in); err != nil {
			return err
		}
		current = append(current, in)
	}
	return nil
}

// GetMetricHistory implements tracking.Store.
func (s *Store) GetMetricHistory(_ context.Context, runID, key string) ([]tracking.Metric, error) {
	if err := tracking.ValidateKey("metric", key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, _, err := s.findRun(runID)
	if err != nil {
		return nil, err
	}
	return readMetricFile(filepath.Join(dir, metricsDir), key)
}

// findRun はすべての実験ディレクトリからランを探します。
func (s *Store) findRun(runID string) (string, *runMeta, error) {
	if runID == "" || strings.ContainsAny(runID, `/\.`) {
		return "", nil, tracking.RunNotFound(runID)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", nil, errors.Wrapf(err, "list experiments in %s", s.root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name(), runID)
		var meta runMeta
		err := readYAML(filepath.Join(dir, metaFile), &meta)
		if err == nil {
			return dir, &meta, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, err
		}
	}
	return "", nil, tracking.RunNotFound(runID)
}

// ---------------------------------------------------------------------------
// ファイル入出力
// ---------------------------------------------------------------------------

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(yaml.Unmarshal(data, v), "decode %s", path)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// writeKeyFile はキー名をパスとしてファイルに値を書き込みます。
// キーに含まれる "/" はサブディレクトリになります。
func writeKeyFile(root, key, value string) error {
	p := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(p))
	}
	return errors.Wrapf(os.WriteFile(p, []byte(value), 0o644), "write %s", key)
}

// listKeys は root 以下のファイルをスラッシュ区切りのキーとして返します。
func listKeys(root string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", root)
	}
	sort.Strings(keys)
	return keys, nil
}

func readKeyFiles(root string) (map[string]string, error) {
	keys, err := listKeys(root)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(k)))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", k)
		}
		values[k] = string(data)
	}
	return values, nil
}

func appendMetric(root string, m tracking.Metric) error {
	p := filepath.Join(root, filepath.FromSlash(m.Key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(p))
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open metric %s", m.Key)
	}
	line := strconv.FormatInt(m.Timestamp, 10) + " " +
		strconv.FormatFloat(m.Value, 'g', -1, 64) + " " +
		strconv.FormatInt(m.Step, 10) + "\n"
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return errors.Wrapf(err, "append metric %s", m.Key)
	}
	return errors.Wrapf(f.Close(), "close metric %s", m.Key)
}

// readMetricFile はメトリクスの履歴を読みます。ファイルが無い場合は空の履歴です。
func readMetricFile(root, key string) ([]tracking.Metric, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return []tracking.Metric{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open metric %s", key)
	}
	defer f.Close()

	history := []tracking.Metric{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Newf("malformed metric line %q in %s", sc.Text(), key)
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse metric timestamp in %s", key)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse metric value in %s", key)
		}
		var step int64
		if len(fields) > 2 {
			if step, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return nil, errors.Wrapf(err, "parse metric step in %s", key)
			}
		}
		history = append(history, tracking.Metric{Key: key, Value: v, Timestamp: ts, Step: step})
	}
	return history, errors.Wrapf(sc.Err(), "read metric %s", key)
}

func readInputs(root string) ([]tracking.DatasetInput, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list inputs in %s", root)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimSuffix(entries[i].Name(), ".yaml"))
		b, _ := strconv.Atoi(strings.TrimSuffix(entries[j].Name(), ".yaml"))
		return a < b
	})
	var inputs []tracking.DatasetInput
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		var in tracking.DatasetInput
		if err := readYAML(filepath.Join(root, e.Name()), &in); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func hasInput(inputs []tracking.DatasetInput, in tracking.DatasetInput) bool {
	for _, cur := range inputs {
		if cur.Dataset.Name == in.Dataset.Name && cur.Dataset.Digest == in.Dataset.Digest {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
