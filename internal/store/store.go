// Package store defines the RunStore interface for the ledger of step runs
// and its SQLite and in-memory implementations.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"
)

// ErrRunNotFound is returned by GetRun for an unknown ID.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Run records one invocation of the stepper.
type Run struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`

	Variant string `json:"variant"`
	Backend string `json:"backend"`
	Device  string `json:"device"`

	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Steps       int     `json:"steps"`
	Dt          float32 `json:"dt"`
	ClockBefore float32 `json:"clock_before"`
	ClockAfter  float32 `json:"clock_after"`

	// Checksum is StateChecksum of the final state.
	Checksum string `json:"checksum,omitempty"`

	// MaxDiff is the largest difference from the sequential reference when
	// the run was verified.
	MaxDiff *float64 `json:"max_diff,omitempty"`

	MeanTemp float64 `json:"mean_temp"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Variant string
	Status  string

	// Limit caps the result count; 0 means no cap.
	Limit int
}

func (f RunFilter) matches(r Run) bool {
	if f.Variant != "" && r.Variant != f.Variant {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RunStore persists run records. Runs are listed newest first.
type RunStore interface {
	// RecordRun stores r, assigning an ID when r.ID is empty, and returns the ID.
	RecordRun(ctx context.Context, r Run) (string, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	Close() error
}

// StateChecksum returns the hex sha256 of the little-endian state encoding.
func StateChecksum(state []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range state {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// newRunID derives a short stable ID from the run's identifying fields.
func newRunID(r Run) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.StartedAt.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(r.Variant))
	h.Write([]byte(r.Checksum))
	binary.LittleEndian.PutUint64(buf[:], uint64(r.Steps)<<32|uint64(r.Width)<<16|uint64(r.Height))
	h.Write(buf[:])
	return "run-" + hex.EncodeToString(h.Sum(nil))[:12]
}

func prepareRun(r *Run) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.Status == "" {
		r.Status = StatusOK
	}
	if r.ID == "" {
		r.ID = newRunID(*r)
	}
}
