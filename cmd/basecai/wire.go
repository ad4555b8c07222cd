package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"basecai/internal/backend"
	"basecai/internal/config"
	"basecai/internal/generator"
	"basecai/internal/loader"
	"basecai/internal/manifest"
	"basecai/internal/memory"
	"basecai/internal/registry"
	"basecai/internal/vcs"
	"basecai/pkg/types"
)

func backendConfig(c config.BackendConfig) backend.Config {
	return backend.Config{
		Kind:            backend.Kind(c.Kind),
		URL:             c.URL,
		LlamaBin:        c.LlamaBin,
		LlamaHost:       c.LlamaHost,
		LlamaPortStart:  c.LlamaPortStart,
		LlamaPortEnd:    c.LlamaPortEnd,
		LlamaExtraArgs:  c.LlamaExtraArgs,
		CtxSize:         c.CtxSize,
		Threads:         c.Threads,
		GPULayers:       c.GPULayers,
		ReadyTimeout:    time.Duration(c.ReadyTimeoutSec) * time.Second,
		RequestTimeout:  time.Duration(c.RequestTimeout) * time.Second,
		TokenizerConfig: c.TokenizerConfig,
		OpenAI: backend.OpenAIConfig{
			BaseURL:            c.OpenAI.BaseURL,
			APIKey:             c.OpenAI.APIKey,
			Model:              c.OpenAI.Model,
			RPS:                c.OpenAI.RPS,
			ServedQuantization: types.Quantization(c.OpenAI.ServedQuantization),
		},
	}
}

func (a *app) revision() vcs.Func {
	dir := a.cfg.Loader.SourceDir
	if dir == "" {
		dir = "."
	}
	return vcs.Detector(dir)
}

// newLoader builds the backend, registry and loader from the resolved
// configuration.
func (a *app) newLoader() (*loader.Loader, error) {
	bc := backendConfig(a.cfg.Backend)
	bc.Logger = a.log
	bc.Publisher = backend.LogPublisher{Logger: a.log}
	be, err := backend.New(bc)
	if err != nil {
		return nil, err
	}
	var reg *registry.Registry
	if be.Kind() != backend.KindOpenAI {
		models, err := registry.LoadDir(a.cfg.ModelsDir)
		if err != nil {
			return nil, &loader.ModelLoadError{Model: a.cfg.ModelsDir, Err: err}
		}
		reg = registry.New(models)
	}
	return loader.New(loader.Config{
		Backend:            be,
		Registry:           reg,
		ServedQuantization: bc.OpenAI.ServedQuantization,
		Accountant:         memory.NewAccountant(int64(a.cfg.Loader.MemoryBudgetMB)<<20, a.log),
		Revision:           a.revision(),
		Strict:             a.cfg.Loader.Strict,
		TolerateBOS:        a.cfg.Loader.TolerateBOS,
		Logger:             a.log,
		Metrics:            a.metrics,
	})
}

// load opens --model with --quant.
func (a *app) load(ctx context.Context) (*loader.Loader, *loader.Handle, types.Provenance, error) {
	if err := a.requireModel(); err != nil {
		return nil, nil, types.Provenance{}, err
	}
	q, err := a.quantization()
	if err != nil {
		return nil, nil, types.Provenance{}, err
	}
	l, err := a.newLoader()
	if err != nil {
		return nil, nil, types.Provenance{}, err
	}
	h, prov, err := l.Load(ctx, a.model, q)
	if err != nil {
		return nil, nil, types.Provenance{}, err
	}
	return l, h, prov, nil
}

// format builds the prompt format, with few-shot examples from the
// configured file when set.
func (a *app) format() (generator.Format, error) {
	f := generator.DefaultFormat()
	f.Delimiter = a.cfg.Generation.Delimiter
	if a.cfg.Generation.FewShotFile != "" {
		shots, err := generator.LoadShots(a.cfg.Generation.FewShotFile)
		if err != nil {
			return f, err
		}
		f.Shots = shots
	}
	return f, nil
}

// session captures a manifest for this command's artifacts.
func (a *app) session(ctx context.Context, planned ...manifest.Artifact) *manifest.Session {
	return manifest.Capture(ctx, manifest.Options{
		Revision: a.revision(),
		Command:  append([]string{"basecai"}, os.Args[1:]...),
		Planned:  planned,
	})
}

func (a *app) writeManifest(s *manifest.Session) (string, error) {
	path := filepath.Join(a.cfg.OutDir, "manifest-"+s.ID()+".json")
	if err := s.Write(path); err != nil {
		return "", err
	}
	a.log.Info().Str("event", "manifest_written").Str("path", path).Msg("manifest")
	return path, nil
}

func (a *app) outPath(flagValue, name string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Join(a.cfg.OutDir, name)
}
