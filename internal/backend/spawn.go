package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"basecai/internal/logging"
	"basecai/pkg/types"
)

// spawnBackend starts a llama-server subprocess per model path. Closing the
// session stops the process, which is what returns the weights' memory.
type spawnBackend struct {
	cfg   Config
	mu    sync.Mutex
	procs map[string]*procInfo // key: model path
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	done    chan struct{}
}

func newSpawnBackend(cfg Config) *spawnBackend {
	if strings.TrimSpace(cfg.LlamaHost) == "" {
		cfg.LlamaHost = "127.0.0.1"
	}
	return &spawnBackend{cfg: cfg, procs: make(map[string]*procInfo)}
}

func (b *spawnBackend) Kind() Kind { return KindSpawn }

func (b *spawnBackend) Open(ctx context.Context, model types.Model) (Session, error) {
	if strings.TrimSpace(model.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	baseURL, err := b.ensureProcess(ctx, model)
	if err != nil {
		return nil, err
	}
	path := model.Path
	return &llamaSession{
		client:    newLlamaClient(baseURL, b.cfg.RequestTimeout),
		tokConfig: b.cfg.TokenizerConfig,
		onClose:   func() error { return b.Stop(path) },
	}, nil
}

// ensureProcess starts llama-server for the model and waits for readiness.
// A process that is already running for the path is reused.
func (b *spawnBackend) ensureProcess(ctx context.Context, model types.Model) (string, error) {
	b.mu.Lock()
	if p := b.procs[model.Path]; p != nil {
		b.mu.Unlock()
		if newLlamaClient(p.baseURL, time.Second).health(ctx) == nil {
			return p.baseURL, nil
		}
		_ = b.Stop(model.Path)
	} else {
		b.mu.Unlock()
	}

	host := b.cfg.LlamaHost
	var port int
	var err error
	if b.cfg.LlamaPortStart > 0 && b.cfg.LlamaPortEnd >= b.cfg.LlamaPortStart {
		port, err = pickPortInRange(host, b.cfg.LlamaPortStart, b.cfg.LlamaPortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := []string{"-m", model.Path, "--host", host, "--port", strconv.Itoa(port)}
	if b.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(b.cfg.CtxSize))
	}
	if b.cfg.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.cfg.GPULayers))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.cfg.Threads))
	}
	args = append(args, b.cfg.LlamaExtraArgs...)

	cmd := exec.Command(b.cfg.LlamaBin, args...)
	cmd.Dir = filepath.Dir(model.Path)
	// stderr goes to the debug log; only its tail is kept for the early
	// exit message.
	stderrLog := &logging.LineWriter{Log: b.cfg.Logger.With().Str("model", model.ID).Logger(), Level: zerolog.DebugLevel, Source: "llama-server"}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = io.MultiWriter(stderrLog, stderr)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	log := b.cfg.Logger.With().Str("model", model.ID).Int("pid", pid).Logger()
	log.Info().Str("event", "spawn_start").Str("url", baseURL).Msg("backend")
	b.cfg.Publisher.Publish(Event{Name: "spawn_start", ModelID: model.ID, Fields: map[string]any{"pid": pid, "port": port}})

	info := &procInfo{cmd: cmd, baseURL: baseURL, pid: pid, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[model.Path] = info
	b.mu.Unlock()

	waitErrCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stderrLog.Flush()
		waitErrCh <- err
		close(info.done)
	}()

	client := newLlamaClient(baseURL, time.Second)
	deadline := time.Now().Add(b.cfg.ReadyTimeout)
	for {
		if time.Now().After(deadline) {
			_ = b.Stop(model.Path)
			log.Warn().Str("event", "spawn_timeout").Msg("backend")
			b.cfg.Publisher.Publish(Event{Name: "spawn_timeout", ModelID: model.ID, Fields: map[string]any{"pid": pid}})
			return "", fmt.Errorf("llama-server not ready in time: %s", baseURL)
		}
		select {
		case werr := <-waitErrCh:
			b.forget(model.Path)
			tail := stderr.String()
			log.Warn().Str("event", "spawn_exit").AnErr("wait_err", werr).Msg("backend")
			b.cfg.Publisher.Publish(Event{Name: "spawn_exit", ModelID: model.ID, Fields: map[string]any{"pid": pid}})
			if werr != nil {
				return "", fmt.Errorf("llama-server exited early: %v; stderr tail: %s", werr, tail)
			}
			return "", fmt.Errorf("llama-server exited before ready: %s", baseURL)
		case <-ctx.Done():
			_ = b.Stop(model.Path)
			return "", ctx.Err()
		default:
		}
		if client.health(ctx) == nil {
			log.Info().Str("event", "spawn_ready").Msg("backend")
			b.cfg.Publisher.Publish(Event{Name: "spawn_ready", ModelID: model.ID, Fields: map[string]any{"pid": pid, "url": baseURL}})
			return baseURL, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

const stderrTail = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (b *spawnBackend) forget(path string) {
	b.mu.Lock()
	delete(b.procs, path)
	b.mu.Unlock()
}

// Stop terminates the subprocess for path: SIGTERM, then kill after 2s.
func (b *spawnBackend) Stop(path string) error {
	b.mu.Lock()
	p := b.procs[path]
	delete(b.procs, path)
	b.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	b.cfg.Logger.Info().Str("event", "spawn_stop").Int("pid", p.pid).Str("path", path).Msg("backend")
	b.cfg.Publisher.Publish(Event{Name: "spawn_stop", ModelID: filepath.Base(path), Fields: map[string]any{"pid": p.pid}})
	return nil
}

// running reports the number of live subprocesses.
func (b *spawnBackend) running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected addr: %s", l.Addr())
	}
	return addr.Port, nil
}

// discoverLlamaBin looks for llama-server in common locations, then PATH.
func discoverLlamaBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		filepath.Join(home, "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
