// Package memory tracks the estimated accelerator memory held by loaded
// models and enforces that at most one model is resident at a time.
package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"basecai/pkg/types"
)

// OverheadBytes is added to every model estimate for runtime buffers
// (KV cache, scratch).
const OverheadBytes int64 = 256 << 20

type residentError struct {
	want, held string
}

func (e residentError) Error() string {
	return fmt.Sprintf("cannot load %s: model %s is still resident", e.want, e.held)
}

// IsResident reports whether err was caused by another model still holding memory.
func IsResident(err error) bool {
	var e residentError
	return errors.As(err, &e)
}

type budgetError struct {
	want      string
	req, have int64
}

func (e budgetError) Error() string {
	return fmt.Sprintf("model %s needs ~%s, budget is %s", e.want, humanize.IBytes(uint64(e.req)), humanize.IBytes(uint64(e.have)))
}

// IsOverBudget reports whether err was caused by the memory budget.
func IsOverBudget(err error) bool {
	var e budgetError
	return errors.As(err, &e)
}

// Accountant is safe for concurrent use.
type Accountant struct {
	mu       sync.Mutex
	budget   int64
	holder   string
	inUse    int64
	peak     int64
	loads    int
	releases int
	log      zerolog.Logger
}

// NewAccountant creates an accountant. budgetBytes <= 0 disables the budget
// check; the single-resident rule always applies.
func NewAccountant(budgetBytes int64, log zerolog.Logger) *Accountant {
	return &Accountant{budget: budgetBytes, log: log}
}

// Estimate returns the bytes a model is expected to occupy: its file size
// plus OverheadBytes. Unknown sizes count as 1 MiB.
func Estimate(m types.Model) int64 {
	size := m.SizeBytes
	if size <= 0 && m.Path != "" {
		if fi, err := os.Stat(m.Path); err == nil {
			size = fi.Size()
		}
	}
	if size <= 0 {
		size = 1 << 20
	}
	return size + OverheadBytes
}

// Reserve records modelID as resident with the given footprint. The
// returned release func is idempotent.
func (a *Accountant) Reserve(modelID string, bytes int64) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != "" {
		return nil, residentError{want: modelID, held: a.holder}
	}
	if a.budget > 0 && bytes > a.budget {
		return nil, budgetError{want: modelID, req: bytes, have: a.budget}
	}
	a.holder = modelID
	a.inUse = bytes
	a.loads++
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	a.log.Info().Str("event", "mem_reserve").Str("model", modelID).Str("bytes", humanize.IBytes(uint64(bytes))).Msg("memory")

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.holder != modelID {
				return
			}
			a.holder = ""
			a.inUse = 0
			a.releases++
			a.log.Info().Str("event", "mem_release").Str("model", modelID).Str("bytes", humanize.IBytes(uint64(bytes))).Msg("memory")
		})
	}, nil
}

// InUse returns the bytes currently reserved.
func (a *Accountant) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Peak returns the largest reservation observed at any one time.
func (a *Accountant) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// Resident returns the model currently holding memory, or "".
func (a *Accountant) Resident() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder
}

// Stats reports load and release counts.
func (a *Accountant) Stats() (loads, releases int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loads, a.releases
}
