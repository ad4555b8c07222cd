// Package vcs reports the source-control revision of the running code.
package vcs

import (
	"context"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Info is a source-control revision and whether the tree had local changes.
type Info struct {
	Revision string    `json:"revision"`
	Dirty    bool      `json:"dirty"`
	Time     time.Time `json:"time,omitempty"`
	// Source is where the revision came from: buildinfo, git or unknown.
	Source string `json:"source"`
}

// Unknown is returned when no revision can be determined.
const Unknown = "unknown"

// Func yields the revision of the loader code. Injected into components so
// tests can simulate a revision change.
type Func func(ctx context.Context) Info

// Static returns a Func that always reports info.
func Static(info Info) Func {
	return func(context.Context) Info { return info }
}

// FromBuildInfo reads the vcs.* settings stamped by the go tool.
func FromBuildInfo() (Info, bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, false
	}
	return fromSettings(bi.Settings)
}

func fromSettings(settings []debug.BuildSetting) (Info, bool) {
	var info Info
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				info.Time = t
			}
		}
	}
	if info.Revision == "" {
		return Info{}, false
	}
	info.Source = "buildinfo"
	return info, true
}

// FromGit asks git about the work tree containing dir.
func FromGit(ctx context.Context, dir string) (Info, error) {
	rev, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Info{}, err
	}
	status, err := git(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return Info{}, err
	}
	info := Info{Revision: rev, Dirty: status != "", Source: "git"}
	if ts, err := git(ctx, dir, "log", "-1", "--format=%cI"); err == nil {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			info.Time = t
		}
	}
	return info, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Detector returns a Func that prefers build info, then git in dir, then
// Unknown. The result is computed once.
func Detector(dir string) Func {
	var (
		mu   sync.Mutex
		done bool
		info Info
	)
	return func(ctx context.Context) Info {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return info
		}
		if bi, ok := FromBuildInfo(); ok {
			info = bi
		} else if gi, err := FromGit(ctx, dir); err == nil {
			info = gi
		} else {
			info = Info{Revision: Unknown, Source: Unknown}
		}
		done = true
		return info
	}
}
