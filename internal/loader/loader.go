package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"basecai/internal/backend"
	"basecai/internal/common/fsutil"
	"basecai/internal/memory"
	"basecai/internal/metrics"
	"basecai/internal/registry"
	"basecai/internal/vcs"
	"basecai/pkg/types"
)

// digestHeadBytes is how much of a weights file feeds the model digest.
const digestHeadBytes = 1 << 20

// Config wires a Loader. Backend is required; everything else has a
// working default.
type Config struct {
	Backend backend.Backend
	// Registry resolves local model files. Nil means the backend serves
	// the model by name (openai kind).
	Registry *registry.Registry
	// ServedQuantization is the precision of a remotely served model.
	ServedQuantization types.Quantization
	Accountant         *memory.Accountant
	Revision           vcs.Func
	Probes             []Probe
	SentinelVersion    string
	// Strict re-runs the special-token comparison on every prompt.
	Strict bool
	// TolerateBOS accepts a single leading BOS as the only difference
	// between the two encodings.
	TolerateBOS bool
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Loader produces verified, template-free model handles.
type Loader struct {
	cfg Config
}

func New(cfg Config) (*Loader, error) {
	if cfg.Backend == nil {
		return nil, errors.New("loader: backend is required")
	}
	if cfg.Accountant == nil {
		cfg.Accountant = memory.NewAccountant(0, cfg.Logger)
	}
	if cfg.Revision == nil {
		cfg.Revision = vcs.Detector(".")
	}
	if len(cfg.Probes) == 0 {
		cfg.Probes = DefaultProbes
		cfg.SentinelVersion = SentinelVersion
	}
	if cfg.SentinelVersion == "" {
		cfg.SentinelVersion = SentinelVersion + "+custom"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loader{cfg: cfg}, nil
}

// Accountant exposes the memory accountant (evaluation reports peak usage).
func (l *Loader) Accountant() *memory.Accountant { return l.cfg.Accountant }

// Load resolves, opens and verifies a model. No handle is returned unless
// every sentinel probe passed.
func (l *Loader) Load(ctx context.Context, name string, q types.Quantization) (*Handle, types.Provenance, error) {
	log := l.cfg.Logger.With().Str("model", name).Str("quant", string(q)).Logger()
	h, err := l.load(ctx, name, q, log)
	switch {
	case err == nil:
		l.cfg.Metrics.ObserveLoad("ok")
		log.Info().Str("event", "model_verified").Str("revision", h.prov.LoaderRevision).
			Int("probes", len(h.sentinel.Probes)).Msg("loader")
		return h, h.Provenance(), nil
	case IsContamination(err):
		l.cfg.Metrics.ObserveLoad("contamination")
	case IsQuantization(err):
		l.cfg.Metrics.ObserveLoad("quantization")
	default:
		l.cfg.Metrics.ObserveLoad("load_error")
	}
	log.Error().Err(err).Str("event", "model_load_failed").Msg("loader")
	return nil, types.Provenance{}, err
}

func (l *Loader) load(ctx context.Context, name string, q types.Quantization, log zerolog.Logger) (*Handle, error) {
	model, quant, err := l.resolve(name, q)
	if err != nil {
		return nil, err
	}
	release, err := l.cfg.Accountant.Reserve(model.ID, memory.Estimate(model))
	if err != nil {
		return nil, &ModelLoadError{Model: model.ID, Err: err}
	}
	sess, err := l.cfg.Backend.Open(ctx, model)
	if err != nil {
		release()
		return nil, &ModelLoadError{Model: model.ID, Err: err}
	}
	h, err := l.verify(ctx, model, quant, sess, log)
	if err != nil {
		_ = sess.Close()
		release()
		return nil, err
	}
	h.release = release
	return h, nil
}

// resolve picks the model file and the effective quantization.
func (l *Loader) resolve(name string, q types.Quantization) (types.Model, types.Quantization, error) {
	if l.cfg.Registry == nil {
		served := l.cfg.ServedQuantization
		if q != types.QuantUnset && served != types.QuantUnset && q != served {
			return types.Model{}, "", &QuantizationError{Model: name, Want: q,
				Reason: fmt.Sprintf("remote server runs %s", served)}
		}
		quant := q
		if quant == types.QuantUnset {
			quant = served
		}
		if quant == types.QuantUnset {
			return types.Model{}, "", &QuantizationError{Model: name, Want: q, Reason: "remote quantization unknown; set openai.served_quantization"}
		}
		return types.Model{ID: name, Name: name, Quantization: quant}, quant, nil
	}
	model, err := l.cfg.Registry.Resolve(name, q)
	switch {
	case registry.IsQuantNotAvailable(err):
		return types.Model{}, "", &QuantizationError{Model: name, Want: q, Reason: "no matching weights file", Err: err}
	case err != nil:
		return types.Model{}, "", &ModelLoadError{Model: name, Err: err}
	}
	quant := model.Quantization
	if quant == types.QuantUnset {
		if q == types.QuantUnset {
			return types.Model{}, "", &QuantizationError{Model: model.ID, Want: q,
				Reason: fmt.Sprintf("cannot infer quantization from variant %q; pass --quant", model.Quant)}
		}
		quant = q
	}
	return model, quant, nil
}

// verify builds the clean tokenizer view, sources the chat-token IDs and
// runs the sentinel battery.
func (l *Loader) verify(ctx context.Context, model types.Model, quant types.Quantization, sess backend.Session, log zerolog.Logger) (*Handle, error) {
	sp, err := sess.SpecialTokens(ctx)
	if err != nil {
		return nil, &ModelLoadError{Model: model.ID, Err: fmt.Errorf("tokenizer config: %w", err)}
	}
	chatIDs, err := chatTokenSet(ctx, sess, sp)
	if err != nil {
		return nil, &ModelLoadError{Model: model.ID, Err: fmt.Errorf("chat token ids: %w", err)}
	}
	shipped := sp.ChatTemplate
	if shipped == "" {
		shipped = sp.DefaultChatTemplate
	}
	clean := sp
	clean.ChatTemplate = ""
	clean.DefaultChatTemplate = ""
	h := &Handle{
		model:       model,
		session:     sess,
		tok:         &cleanTokenizer{Tokenizer: sess, sp: clean},
		quant:       quant,
		chatIDs:     chatIDs,
		strict:      l.cfg.Strict,
		tolerateBOS: l.cfg.TolerateBOS,
		version:     l.cfg.SentinelVersion,
		probes:      l.cfg.Probes,
		log:         l.cfg.Logger.With().Str("model", model.ID).Logger(),
		metrics:     l.cfg.Metrics,
	}
	if !h.TemplateDisabled() {
		return nil, &ContaminationError{Reason: "chat template could not be disabled"}
	}
	log.Debug().Str("event", "chat_token_ids").Ints("ids", sortedIDs(chatIDs)).Bool("had_template", shipped != "").Msg("loader")

	res, err := runSentinels(ctx, h.tok, h.probes, h.version, chatIDs, clean.BOSID, h.tolerateBOS, l.cfg.Metrics.ObserveProbe)
	h.sentinel = res
	if err != nil {
		if IsContamination(err) {
			return nil, err
		}
		return nil, &ModelLoadError{Model: model.ID, Err: err}
	}

	rev := l.cfg.Revision(ctx)
	prov := types.Provenance{
		LoaderRevision:   rev.Revision,
		LoaderDirty:      rev.Dirty,
		ModelName:        model.Name,
		ModelID:          model.ID,
		Quantization:     quant,
		TemplateDisabled: h.TemplateDisabled(),
		Tokenizer: types.TokenizerSnapshot{
			BOS:             clean.BOS,
			EOS:             clean.EOS,
			BOSID:           clean.BOSID,
			EOSID:           clean.EOSID,
			ChatTokenIDs:    sortedIDs(chatIDs),
			TemplateCleared: true,
		},
		SentinelVersion: h.version,
		Backend:         string(l.cfg.Backend.Kind()),
		CreatedAt:       l.cfg.Now().UTC(),
	}
	if shipped != "" {
		sum := sha256.Sum256([]byte(shipped))
		prov.Tokenizer.TemplateSHA256 = hex.EncodeToString(sum[:])
	}
	if model.Path != "" {
		if d, err := fsutil.HeadDigest(model.Path, digestHeadBytes); err == nil {
			prov.ModelDigest = d
		}
	}
	h.prov = prov
	return h, nil
}

// Verify re-runs the sentinel battery against an open handle.
func (l *Loader) Verify(ctx context.Context, h *Handle) (SentinelResult, error) {
	if h.isClosed() {
		return SentinelResult{}, errors.New("handle is closed")
	}
	res, err := runSentinels(ctx, h.tok, h.probes, h.version, h.chatIDs, h.tok.sp.BOSID, h.tolerateBOS, l.cfg.Metrics.ObserveProbe)
	h.mu.Lock()
	h.sentinel = res
	h.mu.Unlock()
	return res, err
}
