package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"basecai/internal/config"
	"basecai/internal/dataset"
	"basecai/internal/logging"
	"basecai/internal/metrics"
)

// Config wires a Trainer.
type Config struct {
	Train config.TrainConfig
	// Delimiter is recorded in the job so training text matches generation.
	Delimiter string
	Seed      int64
	Manifest  string
	// Env is appended to the command environment.
	Env []string
	// LaunchRetries bounds retries of a failed process start.
	LaunchRetries int
	LaunchWait    time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Request is one training run.
type Request struct {
	Stage   Stage
	Dataset string
	OutDir  string
	// Adapter is the SFT output a DPO run starts from.
	Adapter string
}

// Result describes a finished run.
type Result struct {
	Stage     Stage         `json:"stage"`
	JobPath   string        `json:"job_path"`
	OutputDir string        `json:"output_dir"`
	Records   int           `json:"records"`
	Duration  time.Duration `json:"duration"`
}

type Trainer struct {
	cfg Config
}

func New(cfg Config) *Trainer {
	if cfg.LaunchRetries < 0 {
		cfg.LaunchRetries = 0
	}
	if cfg.LaunchWait <= 0 {
		cfg.LaunchWait = time.Second
	}
	return &Trainer{cfg: cfg}
}

// Prepare validates the dataset for the stage and writes the job config.
// Every record must carry provenance; failed generations and records of
// the wrong kind are rejected.
func (t *Trainer) Prepare(req Request) (string, JobConfig, error) {
	if len(t.cfg.Train.Command) == 0 {
		return "", JobConfig{}, errors.New("train.command is not configured")
	}
	if t.cfg.Train.BaseModel == "" {
		return "", JobConfig{}, errors.New("train.base_model is not configured")
	}
	if req.Stage == StageDPO && req.Adapter == "" {
		return "", JobConfig{}, errors.New("dpo requires the sft adapter")
	}
	recs, err := dataset.ReadFile(req.Dataset)
	if err != nil {
		return "", JobConfig{}, err
	}
	ds, prov, err := describe(req.Stage, recs)
	if err != nil {
		return "", JobConfig{}, fmt.Errorf("%s: %w", req.Dataset, err)
	}
	abs, err := filepath.Abs(req.Dataset)
	if err != nil {
		return "", JobConfig{}, err
	}
	ds.Path = abs
	ds.Delimiter = t.cfg.Delimiter
	prov.Manifest = t.cfg.Manifest

	outDir, err := filepath.Abs(req.OutDir)
	if err != nil {
		return "", JobConfig{}, err
	}
	job := NewJob(req.Stage, t.cfg.Train, ds, outDir, req.Adapter, t.cfg.Seed)
	job.Provenance = prov
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", JobConfig{}, err
	}
	path := filepath.Join(outDir, string(req.Stage)+"-job.yaml")
	if err := WriteJob(path, job); err != nil {
		return "", JobConfig{}, err
	}
	return path, job, nil
}

func describe(stage Stage, recs []dataset.Record) (DatasetConfig, JobProvenance, error) {
	ds := DatasetConfig{Format: "jsonl", Records: len(recs)}
	revs, models := map[string]bool{}, map[string]bool{}
	want := dataset.KindGenerated
	if stage == StageDPO {
		want = dataset.KindPreference
	}
	for i, r := range recs {
		if r.Kind() != want {
			return ds, JobProvenance{}, fmt.Errorf("record %d is %s, %s needs %s records", i+1, r.Kind(), stage, want)
		}
		p := r.Prov()
		revs[p.LoaderRevision] = true
		models[p.ModelName] = true
	}
	if len(recs) == 0 {
		return ds, JobProvenance{}, errors.New("dataset is empty")
	}
	switch stage {
	case StageSFT:
		ds.PromptColumn, ds.ResponseColumn = "instruction", "response"
	case StageDPO:
		ds.PromptColumn, ds.ChosenColumn, ds.RejectedColumn = "prompt", "chosen", "rejected"
	}
	return ds, JobProvenance{LoaderRevisions: keys(revs), Models: keys(models)}, nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run prepares the job and runs the training command with the job path
// appended, streaming its output to the logger.
func (t *Trainer) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	log := t.cfg.Logger.With().Str("stage", string(req.Stage)).Logger()
	path, job, err := t.Prepare(req)
	if err != nil {
		t.cfg.Metrics.ObserveTrain(string(req.Stage), "invalid")
		return Result{}, err
	}
	res := Result{Stage: req.Stage, JobPath: path, OutputDir: job.TrainingArguments.OutputDir, Records: job.DatasetConfig.Records}
	log.Info().Str("event", "train_start").Str("job", path).Int("records", res.Records).Msg("trainer")

	if err := t.exec(ctx, path, log); err != nil {
		t.cfg.Metrics.ObserveTrain(string(req.Stage), "failed")
		log.Error().Err(err).Str("event", "train_failed").Msg("trainer")
		return res, fmt.Errorf("train %s: %w", req.Stage, err)
	}
	res.Duration = time.Since(start)
	t.cfg.Metrics.ObserveTrain(string(req.Stage), "ok")
	log.Info().Str("event", "train_done").Dur("duration", res.Duration).Msg("trainer")
	return res, nil
}

func (t *Trainer) exec(ctx context.Context, jobPath string, log zerolog.Logger) error {
	argv := append(append([]string(nil), t.cfg.Train.Command...), jobPath)
	stdout := &logging.LineWriter{Log: log, Level: zerolog.InfoLevel, Source: "trainer"}
	stderr := &logging.LineWriter{Log: log, Level: zerolog.WarnLevel, Source: "trainer"}
	defer stdout.Flush()
	defer stderr.Flush()

	var cmd *exec.Cmd
	start := func() error {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = t.cfg.Train.WorkDir
		cmd.Env = append(os.Environ(), t.cfg.Env...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err := cmd.Start()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn().Err(err).Str("event", "train_launch_retry").Msg("trainer")
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.LaunchWait), uint64(t.cfg.LaunchRetries)), ctx)
	if err := backoff.Retry(start, b); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	return cmd.Wait()
}
