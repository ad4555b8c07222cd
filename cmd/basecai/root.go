package main

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"basecai/internal/config"
	"basecai/internal/logging"
	"basecai/internal/metrics"
	"basecai/pkg/types"
)

// version is stamped with -ldflags "-X main.version=...".
var version = "dev"

// app carries the resolved configuration and shared services of one
// invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfgPath    string
	logLevel   string
	model      string
	quant      string
	out        string
	samples    int
	seed       int64
	modelsDir  string
	backend    string
	backendURL string
	jsonOut    bool

	cfg       config.Config
	log       zerolog.Logger
	logCloser io.Closer
	metrics   *metrics.Metrics
	ready     bool
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, log: zerolog.Nop()}
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "basecai",
		Short:         "Bootstrap instruction following in a base model from its own generations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "Config file (.yaml, .json or .toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error (defaults BASECAI_LOG_LEVEL or config)")
	pf.StringVar(&a.model, "model", "", "Model name as listed by `basecai models`")
	pf.StringVar(&a.quant, "quant", "", "Quantization: none|8bit|4bit (default: inferred from the weights file)")
	pf.StringVar(&a.out, "out", "", "Output directory (default from config)")
	pf.IntVar(&a.samples, "samples", 0, "Number of instructions to generate or use")
	pf.Int64Var(&a.seed, "seed", 0, "Sampling seed")
	pf.StringVar(&a.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	pf.StringVar(&a.backend, "backend", "", "Model runtime: server|spawn|inproc|openai")
	pf.StringVar(&a.backendURL, "url", "", "llama-server URL for --backend server")
	pf.BoolVar(&a.jsonOut, "json", false, "Print results and errors as JSON")

	root.AddCommand(
		newVerifyCmd(a),
		newGenerateCmd(a),
		newCritiqueCmd(a),
		newTrainCmd(a),
		newEvaluateCmd(a),
		newManifestCmd(a),
		newModelsCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup resolves defaults, then the config file, then flags that were set.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.cfgPath != "" {
		c, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if flags.Changed("out") {
		cfg.OutDir = a.out
	}
	if flags.Changed("samples") {
		cfg.Generation.Samples = a.samples
	}
	if flags.Changed("seed") {
		cfg.Generation.Seed = a.seed
	}
	if flags.Changed("models-dir") {
		cfg.ModelsDir = a.modelsDir
	}
	if flags.Changed("backend") {
		cfg.Backend.Kind = a.backend
	}
	if flags.Changed("url") {
		cfg.Backend.URL = a.backendURL
		if !flags.Changed("backend") {
			cfg.Backend.Kind = "server"
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.log, a.logCloser = logging.New(cfg.Log, a.stderr)
	a.log = a.log.With().Str("cmd", cmd.Name()).Logger()
	a.metrics = metrics.New()
	a.ready = true
	return nil
}

// finish exports metrics and closes the log file.
func (a *app) finish(ctx context.Context) error {
	if !a.ready {
		return nil
	}
	var errs []error
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		errs = append(errs, err)
	}
	if err := a.metrics.Push(context.WithoutCancel(ctx), a.cfg.Metrics.PushURL, a.cfg.Metrics.Job); err != nil {
		a.log.Warn().Err(err).Str("event", "metrics_push_failed").Msg("metrics")
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

func (a *app) quantization() (types.Quantization, error) {
	return types.ParseQuantization(a.quant)
}

func (a *app) requireModel() error {
	if a.model == "" {
		return errors.New("--model is required")
	}
	return nil
}
