// Package storage persists closed-loop runs on disk. Each run is a directory
// holding metadata.json and trajectory.csv.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/dynmpc/internal/data"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
)

const (
	metadataFile   = "metadata.json"
	trajectoryFile = "trajectory.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	Preset    string             `json:"preset,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	TStep     float64            `json:"t_step"`
	Steps     int                `json:"steps"`
	Solver    string             `json:"solver"`
	Estimator string             `json:"estimator"`
	Policy    string             `json:"policy"`
	NRobust   int                `json:"n_robust"`
	Failures  []string           `json:"failures,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	// MaxViolation is the worst bound violation over the ensemble replay,
	// nil when no replay ran.
	MaxViolation *float64 `json:"max_violation,omitempty"`
}

func (m RunMetadata) Degraded() bool { return len(m.Failures) > 0 }

// Save writes meta and the trajectory of log under a fresh run id and
// returns it. A set meta.ID is overwritten.
func (s *Store) Save(meta RunMetadata, log *data.Log) (string, error) {
	meta.ID = fmt.Sprintf("%s_%s", meta.Model, uuid.New().String()[:8])
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	if meta.Steps == 0 {
		meta.Steps = log.Len()
	}
	if meta.Failures == nil {
		meta.Failures = log.Failures()
	}
	meta.Metrics = finite(meta.Metrics)
	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	if err := writeMetadata(filepath.Join(runDir, metadataFile), meta); err != nil {
		return "", err
	}
	if err := writeTrajectory(filepath.Join(runDir, trajectoryFile), FromLog(log)); err != nil {
		return "", err
	}
	return meta.ID, nil
}

// finite drops metrics without a finite value, which JSON cannot encode.
func finite(metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}

func writeMetadata(path string, meta RunMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return nil
}

// Header returns the trajectory columns for a log schema: time, then the
// state estimate, input and aux elements prefixed by their type, then the
// degraded flag.
func Header(schema data.Schema) []string {
	header := []string{"time"}
	for _, t := range []model.VarType{model.State, model.Input, model.Aux} {
		for _, name := range schema.Names(t) {
			header = append(header, t.String()+":"+name)
		}
	}
	return append(header, "degraded")
}

func writeTrajectory(path string, traj *Trajectory) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(traj.Columns); err != nil {
		return err
	}
	record := make([]string, 0, len(traj.Columns))
	for k, row := range traj.Rows {
		record = append(record[:0], formatFloat(traj.Times[k]))
		for _, v := range row {
			record = append(record, formatFloat(v))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// List returns the stored runs, oldest first. Directories without readable
// metadata are skipped.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Timestamp.Before(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) runDir(runID string) (string, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return "", dynamo.Configf("invalid run id %q", runID)
	}
	return filepath.Join(s.baseDir, runID), nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("run %s: decode metadata: %w", runID, err)
	}
	return &meta, nil
}

// Trajectory is a stored trajectory in column form.
type Trajectory struct {
	Columns []string
	Times   []float64
	Rows    [][]float64 // every column after time
}

// FromLog flattens a log into trajectory columns, see [Header].
func FromLog(log *data.Log) *Trajectory {
	entries := log.Entries()
	traj := &Trajectory{
		Columns: Header(log.Schema()),
		Times:   make([]float64, len(entries)),
		Rows:    make([][]float64, len(entries)),
	}
	for k, e := range entries {
		row := make([]float64, 0, len(traj.Columns)-1)
		row = append(row, e.State...)
		row = append(row, e.Input...)
		row = append(row, e.Aux...)
		if e.Degraded {
			row = append(row, 1)
		} else {
			row = append(row, 0)
		}
		traj.Times[k] = e.Time
		traj.Rows[k] = row
	}
	return traj
}

// Column returns the series of the named column, for example "state:C_b".
func (t *Trajectory) Column(name string) ([]float64, error) {
	for i, c := range t.Columns {
		if c != name {
			continue
		}
		if i == 0 {
			return append([]float64(nil), t.Times...), nil
		}
		out := make([]float64, len(t.Rows))
		for k, row := range t.Rows {
			out[k] = row[i-1]
		}
		return out, nil
	}
	return nil, dynamo.Configf("trajectory has no column %q", name)
}

func (s *Store) LoadTrajectory(runID string) (*Trajectory, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, trajectoryFile))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("run %s: read trajectory: %w", runID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("run %s: empty trajectory file", runID)
	}

	traj := &Trajectory{
		Columns: records[0],
		Times:   make([]float64, 0, len(records)-1),
		Rows:    make([][]float64, 0, len(records)-1),
	}
	for i, record := range records[1:] {
		vals := make([]float64, len(record))
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("run %s: row %d column %q: %w", runID, i+1, traj.Columns[j], err)
			}
			vals[j] = v
		}
		traj.Times = append(traj.Times, vals[0])
		traj.Rows = append(traj.Rows, vals[1:])
	}
	return traj, nil
}

// Delete removes a stored run.
func (s *Store) Delete(runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return os.RemoveAll(dir)
}
