// Package history keeps a local record of provisioning runs in bbolt.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/launchpad/internal/provision"
)

// Bucket names in bbolt
var (
	bucketRuns = []byte("runs")
	bucketMeta = []byte("meta")
)

var keySchemaVersion = []byte("schema_version")

const schemaVersion = "1"

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("run not found")

// Status is the final state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one provisioning attempt and every step event it produced.
type Run struct {
	ID           string            `json:"id"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
	Region       string            `json:"region"`
	KeyName      string            `json:"key_name"`
	ImageName    string            `json:"image_name"`
	ImageID      string            `json:"image_id,omitempty"`
	InstanceType string            `json:"instance_type"`
	InstanceID   string            `json:"instance_id,omitempty"`
	Status       Status            `json:"status"`
	Error        string            `json:"error,omitempty"`
	Events       []provision.Event `json:"events"`
}

// NewRun starts a run for req. Ids sort chronologically.
func NewRun(now time.Time, req provision.Request) *Run {
	return &Run{
		ID:           fmt.Sprintf("%020d", now.UnixNano()),
		StartedAt:    now.UTC(),
		Region:       req.Region,
		KeyName:      req.KeyName,
		ImageName:    req.Image.Name,
		InstanceType: req.InstanceType,
		Status:       StatusRunning,
	}
}

// Record appends a step event. Run implements provision.Recorder.
func (r *Run) Record(ev provision.Event) {
	r.Events = append(r.Events, ev)
	if ev.Step == provision.StepLaunch && ev.Status == provision.StatusSucceeded {
		r.InstanceID = ev.ResourceID
	}
}

// Finish stores the outcome of the run.
func (r *Run) Finish(now time.Time, res *provision.Result, err error) {
	r.FinishedAt = now.UTC()
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = StatusSucceeded
	if res != nil {
		r.InstanceID = res.InstanceID
		r.ImageID = res.ImageID
		r.KeyName = res.KeyName
	}
}

// Duration is the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// instanceRef maps an instance id to the run that launched it.
type instanceRef struct {
	InstanceID string
	RunID      string
}

// Store is a bbolt-backed run history with an in-memory instance index.
type Store struct {
	mu         sync.RWMutex
	db         *bbolt.DB
	byInstance *btree.BTreeG[instanceRef]
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history database: %w", err)
	}

	s := &Store{
		db: db,
		byInstance: btree.NewG[instanceRef](16, func(a, b instanceRef) bool {
			return a.InstanceID < b.InstanceID
		}),
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes run, replacing any earlier version with the same id.
func (s *Store) Save(run *Run) error {
	if run.ID == "" {
		return errors.New("run id required")
	}
	value, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), value)
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	if run.InstanceID != "" {
		s.byInstance.ReplaceOrInsert(instanceRef{InstanceID: run.InstanceID, RunID: run.ID})
	}
	return nil
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run *Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			run := &Run{}
			if err := json.Unmarshal(v, run); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// FindByInstance returns the run that launched instanceID.
func (s *Store) FindByInstance(instanceID string) (*Run, error) {
	s.mu.RLock()
	ref, ok := s.byInstance.Get(instanceRef{InstanceID: instanceID})
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ErrRunNotFound, instanceID)
	}
	return s.Get(ref.RunID)
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			if run.InstanceID != "" {
				s.byInstance.ReplaceOrInsert(instanceRef{InstanceID: run.InstanceID, RunID: run.ID})
			}
			return nil
		})
	})
}
