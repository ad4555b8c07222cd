package loader

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"basecai/internal/backend"
	"basecai/internal/metrics"
	"basecai/pkg/types"
)

// cleanTokenizer is the handle's view of the tokenizer: special tokens are
// reported with every chat-template attribute cleared.
type cleanTokenizer struct {
	backend.Tokenizer
	sp backend.SpecialTokens
}

func (c *cleanTokenizer) SpecialTokens(context.Context) (backend.SpecialTokens, error) {
	return c.sp, nil
}

// Handle is a verified model and its tokenizer. It is owned by the caller
// of Load and must be closed before another model is loaded.
type Handle struct {
	model   types.Model
	session backend.Session
	tok     *cleanTokenizer
	quant   types.Quantization
	chatIDs map[int]string
	prov    types.Provenance

	strict      bool
	tolerateBOS bool
	version     string
	probes      []Probe
	log         zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	release  func()
	sentinel SentinelResult
}

// Model returns the resolved model.
func (h *Handle) Model() types.Model { return h.model }

// Tokenizer returns the template-free tokenizer.
func (h *Handle) Tokenizer() backend.Tokenizer { return h.tok }

func (h *Handle) Quantization() types.Quantization { return h.quant }

// TemplateDisabled reports whether every chat-template attribute of the
// tokenizer is cleared. Always true for a handle returned by Load.
func (h *Handle) TemplateDisabled() bool {
	return h.tok.sp.ChatTemplate == "" && h.tok.sp.DefaultChatTemplate == ""
}

// Provenance returns a copy of the record created at load time.
func (h *Handle) Provenance() types.Provenance { return h.prov.Clone() }

// ChatTokenIDs returns the sorted chat-template token IDs the handle scans for.
func (h *Handle) ChatTokenIDs() []int { return sortedIDs(h.chatIDs) }

// Sentinel returns the most recent sentinel result.
func (h *Handle) Sentinel() SentinelResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sentinel
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close releases the model weights and the memory reservation, then forces
// a collection so the next load starts from a clean slate. Safe to call
// more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	release := h.release
	h.release = nil
	h.mu.Unlock()

	err := h.session.Close()
	if release != nil {
		release()
	}
	runtime.GC()
	debug.FreeOSMemory()
	h.log.Info().Str("event", "model_release").Str("model", h.model.ID).Msg("loader")
	return err
}
