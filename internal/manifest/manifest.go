// Package manifest records the environment and artifacts of one batch
// session: who ran what, on which code and hardware, producing which files.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"basecai/internal/common/fsutil"
	"basecai/internal/vcs"
)

// Artifact is one planned or produced file.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
	// Set once the file exists.
	SHA256         string    `json:"sha256,omitempty"`
	SizeBytes      int64     `json:"size_bytes,omitempty"`
	Records        int       `json:"records,omitempty"`
	LoaderRevision string    `json:"loader_revision,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Manifest is the session document.
type Manifest struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Command    []string   `json:"command,omitempty"`
	Build      Build      `json:"build"`
	Host       Host       `json:"host"`
	Source     vcs.Info   `json:"source"`
	Planned    []Artifact `json:"planned"`
	Generated  []Artifact `json:"generated"`
}

// Missing lists planned paths that were never recorded as generated.
func (m *Manifest) Missing() []string {
	done := map[string]bool{}
	for _, a := range m.Generated {
		done[a.Path] = true
	}
	var out []string
	for _, a := range m.Planned {
		if !done[a.Path] {
			out = append(out, a.Path)
		}
	}
	return out
}

// Options controls Capture. Zero values use the live environment.
type Options struct {
	Revision vcs.Func
	Command  []string
	Planned  []Artifact
	Now      func() time.Time
	NewID    func() string
	Host     *Host
	Build    *Build
}

// Session is a manifest under construction. It is safe for concurrent use.
type Session struct {
	mu  sync.Mutex
	m   Manifest
	now func() time.Time
}

// Capture snapshots the environment at the start of a batch of work.
func Capture(ctx context.Context, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Revision == nil {
		opts.Revision = vcs.Detector(".")
	}
	m := Manifest{
		SessionID: opts.NewID(),
		StartedAt: opts.Now().UTC(),
		Command:   opts.Command,
		Source:    opts.Revision(ctx),
		Planned:   []Artifact{},
		Generated: []Artifact{},
	}
	if opts.Host != nil {
		m.Host = *opts.Host
	} else {
		m.Host = DetectHost()
	}
	if opts.Build != nil {
		m.Build = *opts.Build
	} else {
		m.Build = DetectBuild()
	}
	for _, a := range opts.Planned {
		m.Planned = append(m.Planned, Artifact{Kind: a.Kind, Path: clean(a.Path)})
	}
	return &Session{m: m, now: opts.Now}
}

// ID returns the session ID.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.SessionID
}

// Plan adds an artifact the session intends to produce.
func (s *Session) Plan(kind, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := clean(path)
	for _, a := range s.m.Planned {
		if a.Path == p {
			return
		}
	}
	s.m.Planned = append(s.m.Planned, Artifact{Kind: kind, Path: p})
}

// Record adds a produced file with its digest. Recording the same path
// twice is an error: artifacts are never relabeled.
func (s *Session) Record(kind, path string, records int, loaderRevision string) error {
	p := clean(path)
	fi, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	sum, err := fsutil.FileSHA256(p)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.m.Generated {
		if a.Path == p {
			return fmt.Errorf("artifact %s already recorded", p)
		}
	}
	s.m.Generated = append(s.m.Generated, Artifact{
		Kind:           kind,
		Path:           p,
		SHA256:         sum,
		SizeBytes:      fi.Size(),
		Records:        records,
		LoaderRevision: loaderRevision,
		CreatedAt:      s.now().UTC(),
	})
	return nil
}

// Snapshot returns a copy of the manifest.
func (s *Session) Snapshot() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.m
	out.Planned = append([]Artifact(nil), s.m.Planned...)
	out.Generated = append([]Artifact(nil), s.m.Generated...)
	return out
}

// ErrOtherSession is returned when path holds another session's manifest.
var ErrOtherSession = errors.New("manifest belongs to another session")

// Write stamps the finish time and writes the manifest to path. The file
// may be rewritten by the same session only.
func (s *Session) Write(path string) error {
	if fsutil.PathExists(path) {
		prev, err := Read(path)
		if err != nil {
			return err
		}
		if prev.SessionID != s.ID() {
			return fmt.Errorf("write %s: %w (%s)", path, ErrOtherSession, prev.SessionID)
		}
	}
	s.mu.Lock()
	now := s.now().UTC()
	s.m.FinishedAt = &now
	b, err := json.MarshalIndent(s.m, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// Read loads a manifest file.
func Read(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func clean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
