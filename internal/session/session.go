// Package session persists per-branch, per-agent run state: the vendor
// resume token, the pid of an in-flight run, and coarse status timestamps.
//
// Session records are transient. Losing one costs a fresh vendor session on
// the next call, nothing more; thread files are the durable record.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/jbohnslav/kingdom/internal/common/errs"
)

// Run status values recorded per agent.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Record is the stored state of one agent on one branch.
type Record struct {
	ResumeToken    string     `json:"resume_token,omitempty"`
	PID            int        `json:"pid,omitempty"`
	Status         string     `json:"status,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// Patch holds the fields of a record to change. Nil fields keep the stored
// value; this is what makes concurrent updaters from different processes
// merge instead of clobber.
type Patch struct {
	ResumeToken    *string
	PID            *int
	Status         *string
	StartedAt      *time.Time
	LastActivityAt *time.Time
}

// String returns a pointer patch value for literals.
func String(s string) *string { return &s }

// Int returns a pointer patch value for literals.
func Int(n int) *int { return &n }

// Time returns a pointer patch value for literals.
func Time(t time.Time) *time.Time { return &t }

// Store manages the per-agent session files of one branch
// (<state>/branches/<branch>/sessions/<agent>.json).
type Store struct {
	dir string
}

// NewStore returns a store rooted at a branch sessions directory.
func NewStore(branchDir string) *Store {
	return &Store{dir: filepath.Join(branchDir, "sessions")}
}

func (s *Store) path(agent string) string {
	return filepath.Join(s.dir, agent+".json")
}

func (s *Store) lockPath(agent string) string {
	return s.path(agent) + ".lock"
}

// GetAgent reads one agent's record. A missing file yields a zero record.
func (s *Store) GetAgent(agent string) (*Record, error) {
	data, err := os.ReadFile(s.path(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return &Record{Status: StatusIdle}, nil
		}
		return nil, errs.Internal("read session record", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt session files are recoverable by design; start fresh.
		return &Record{Status: StatusIdle}, nil
	}
	return &rec, nil
}

// UpdateAgent applies a patch under an exclusive advisory lock: re-read,
// merge, write to a temp file, rename. The rename is the commit point, so a
// crash mid-update never leaves a corrupt record.
func (s *Store) UpdateAgent(agent string, patch Patch) (*Record, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, errs.Internal("create sessions directory", err)
	}

	lock := flock.New(s.lockPath(agent))
	if err := lock.Lock(); err != nil {
		return nil, errs.Internal("lock session record", err)
	}
	defer lock.Unlock()

	rec, err := s.GetAgent(agent)
	if err != nil {
		return nil, err
	}

	if patch.ResumeToken != nil {
		rec.ResumeToken = *patch.ResumeToken
	}
	if patch.PID != nil {
		rec.PID = *patch.PID
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		rec.StartedAt = patch.StartedAt
	}
	if patch.LastActivityAt != nil {
		rec.LastActivityAt = patch.LastActivityAt
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, errs.Internal("encode session record", err)
	}
	tmp := s.path(agent) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, errs.Internal("write session record", err)
	}
	if err := os.Rename(tmp, s.path(agent)); err != nil {
		return nil, errs.Internal("commit session record", err)
	}
	return rec, nil
}

// Touch stamps last_activity_at with the current time.
func (s *Store) Touch(agent string) error {
	now := time.Now().UTC()
	_, err := s.UpdateAgent(agent, Patch{LastActivityAt: &now})
	return err
}

// Reset clears an agent's resume token so the next run starts a fresh
// vendor session.
func (s *Store) Reset(agent string) error {
	_, err := s.UpdateAgent(agent, Patch{
		ResumeToken: String(""),
		PID:         Int(0),
		Status:      String(StatusIdle),
	})
	return err
}

// Load reads every record in the branch, keyed by agent name.
func (s *Store) Load() (map[string]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, nil
		}
		return nil, errs.Internal("list sessions directory", err)
	}
	out := map[string]*Record{}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		agent := name[:len(name)-len(".json")]
		rec, err := s.GetAgent(agent)
		if err != nil {
			return nil, err
		}
		out[agent] = rec
	}
	return out, nil
}

// Alive reports whether the record's pid refers to a live process.
func (r *Record) Alive() bool {
	if r == nil || r.PID <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(r.PID, 0) == nil
}
