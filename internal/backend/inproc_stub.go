//go:build !llama

package backend

import (
	"context"

	"basecai/pkg/types"
)

// inprocBackend is compiled without the 'llama' build tag and refuses to
// load models, keeping default builds CGO-free.
type inprocBackend struct {
	cfg Config
}

const llamaBuilt = false

func newInprocBackend(cfg Config) Backend { return &inprocBackend{cfg: cfg} }

func (b *inprocBackend) Kind() Kind { return KindInproc }

func (b *inprocBackend) Open(ctx context.Context, model types.Model) (Session, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
