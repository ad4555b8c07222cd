package dataset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FailurePath derives the failure stream path from a primary path:
// out/gen.jsonl -> out/gen.failed.jsonl.
func FailurePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".failed" + ext
}

// Writer appends records to a primary JSONL file. FailedExample records
// go to a separate failure file which is created on first use. Existing
// files are never overwritten.
type Writer struct {
	path     string
	failPath string

	mu      sync.Mutex
	primary *os.File
	pw      *bufio.Writer
	fail    *os.File
	fw      *bufio.Writer
	counts  map[Kind]int
	closed  bool
}

// Create opens path for writing. It fails if path already exists.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	return &Writer{
		path:     path,
		failPath: FailurePath(path),
		primary:  f,
		pw:       bufio.NewWriter(f),
		counts:   map[Kind]int{},
	}, nil
}

func (w *Writer) Path() string        { return w.path }
func (w *Writer) FailurePath() string { return w.failPath }

// HasFailures reports whether the failure file was created.
func (w *Writer) HasFailures() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fail != nil
}

// Counts returns records written per kind.
func (w *Writer) Counts() map[Kind]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[Kind]int, len(w.counts))
	for k, v := range w.counts {
		out[k] = v
	}
	return out
}

// Write validates r and appends it to the stream its kind belongs to.
func (w *Writer) Write(r Record) error {
	if err := Validate(r); err != nil {
		return err
	}
	b, err := Marshal(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("dataset writer is closed")
	}
	bw := w.pw
	if r.Kind() == KindFailed {
		if w.fail == nil {
			f, err := os.OpenFile(w.failPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return fmt.Errorf("create failure stream: %w", err)
			}
			w.fail = f
			w.fw = bufio.NewWriter(f)
		}
		bw = w.fw
	}
	if _, err := bw.Write(append(b, '\n')); err != nil {
		return err
	}
	w.counts[r.Kind()]++
	return nil
}

// Close flushes and syncs both streams.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := closeStream(w.pw, w.primary)
	if w.fail != nil {
		err = errors.Join(err, closeStream(w.fw, w.fail))
	}
	return err
}

// Discard closes the writer and removes both streams. A run that aborts
// on a fatal error discards its output so no partial dataset remains.
func (w *Writer) Discard() error {
	err := w.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range []string{w.path, w.failPath} {
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	w.counts = map[Kind]int{}
	w.fail, w.fw = nil, nil
	return err
}

func closeStream(bw *bufio.Writer, f *os.File) error {
	return errors.Join(bw.Flush(), f.Sync(), f.Close())
}

// LineError locates a decoding failure.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// Scan decodes records from r, calling fn for each. Blank lines are
// skipped. Records are validated unless lax is set.
func Scan(r io.Reader, lax bool, fn func(Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := Unmarshal(b)
		if err != nil {
			return &LineError{Line: line, Err: err}
		}
		if !lax {
			if err := Validate(rec); err != nil {
				return &LineError{Line: line, Err: err}
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadFile loads and validates every record in path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	err = Scan(f, false, func(r Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Examples filters generated examples.
func Examples(recs []Record) []GeneratedExample {
	var out []GeneratedExample
	for _, r := range recs {
		if e, ok := r.(GeneratedExample); ok {
			out = append(out, e)
		}
	}
	return out
}

// Pairs filters preference pairs.
func Pairs(recs []Record) []PreferencePair {
	var out []PreferencePair
	for _, r := range recs {
		if p, ok := r.(PreferencePair); ok {
			out = append(out, p)
		}
	}
	return out
}
