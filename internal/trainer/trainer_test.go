package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"basecai/internal/config"
	"basecai/internal/dataset"
	"basecai/internal/metrics"
	"basecai/pkg/types"
)

// TestHelperProcess stands in for the external training command.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("BASECAI_WANT_HELPER") != "1" {
		return
	}
	job, err := ReadJob(os.Args[len(os.Args)-1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad job:", err)
		os.Exit(2)
	}
	fmt.Printf("stage=%s records=%d\n", job.Stage, job.DatasetConfig.Records)
	fmt.Print("epoch 1 loss=0.42")
	if os.Getenv("BASECAI_HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "CUDA out of memory")
		os.Exit(1)
	}
	_ = os.WriteFile(filepath.Join(job.TrainingArguments.OutputDir, "adapter_config.json"), []byte("{}"), 0o644)
	os.Exit(0)
}

func testProv() types.Provenance {
	return types.Provenance{
		LoaderRevision:   "rev-1",
		ModelName:        "base-7b",
		Quantization:     types.Quant4Bit,
		TemplateDisabled: true,
		SentinelVersion:  "sentinel-v2",
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func writeDataset(t *testing.T, recs ...dataset.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	w, err := dataset.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func example(i int) dataset.GeneratedExample {
	return dataset.GeneratedExample{Instruction: fmt.Sprintf("Say %d", i), Response: fmt.Sprintf("%d.", i), Type: "open", Provenance: testProv()}
}

func trainConfig() config.TrainConfig {
	tc := config.Default().Train
	tc.BaseModel = "org/base-7b"
	tc.Command = []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
	return tc
}

func newTrainer(tc config.TrainConfig, log zerolog.Logger, m *metrics.Metrics, env ...string) *Trainer {
	return New(Config{
		Train:     tc,
		Delimiter: "###END###",
		Seed:      7,
		Env:       append([]string{"BASECAI_WANT_HELPER=1"}, env...),
		Logger:    log,
		Metrics:   m,
	})
}

func TestRunSFT(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.New()
	tr := newTrainer(trainConfig(), zerolog.New(zerolog.SyncWriter(&buf)), m)
	out := filepath.Join(t.TempDir(), "sft")
	res, err := tr.Run(context.Background(), Request{Stage: StageSFT, Dataset: writeDataset(t, example(1), example(2)), OutDir: out})
	if err != nil {
		t.Fatalf("Run: %v\nlog:\n%s", err, buf.String())
	}
	if res.Records != 2 || res.JobPath != filepath.Join(res.OutputDir, "sft-job.yaml") {
		t.Fatalf("result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(res.OutputDir, "adapter_config.json")); err != nil {
		t.Fatalf("trainer did not see output dir: %v", err)
	}
	logs := buf.String()
	for _, want := range []string{"stage=sft records=2", "epoch 1 loss=0.42", `"event":"train_done"`} {
		if !strings.Contains(logs, want) {
			t.Fatalf("log missing %q:\n%s", want, logs)
		}
	}

	job, err := ReadJob(res.JobPath)
	if err != nil {
		t.Fatal(err)
	}
	q := job.QuantizationConfig
	if !q.LoadIn4bit || q.BNB4bitQuantType != "nf4" || !q.BNB4bitUseDoubleQuant {
		t.Fatalf("quantization block: %+v", q)
	}
	if job.LoraConfig.R != 16 || job.DatasetConfig.ResponseColumn != "response" || job.DatasetConfig.Delimiter != "###END###" {
		t.Fatalf("job: %+v", job)
	}
	if job.TrainingArguments.Beta != 0 || job.TrainingArguments.Seed != 7 {
		t.Fatalf("training args: %+v", job.TrainingArguments)
	}
	if len(job.Provenance.LoaderRevisions) != 1 || job.Provenance.LoaderRevisions[0] != "rev-1" {
		t.Fatalf("provenance: %+v", job.Provenance)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "basecai_trainer_runs_total"); err != nil || n != 1 {
		t.Fatalf("train run series = %d (%v)", n, err)
	}

	// a second run into the same directory must not replace the job
	if _, err := tr.Run(context.Background(), Request{Stage: StageSFT, Dataset: writeDataset(t, example(3)), OutDir: out}); !errors.Is(err, os.ErrExist) {
		t.Fatalf("want ErrExist, got %v", err)
	}
}

func TestRunDPO(t *testing.T) {
	pair := dataset.PreferencePair{
		ID: "p1", Instruction: "Name a color", Prompt: "Instruction: Name a color\nResponse:",
		Chosen: "Blue.", Rejected: "Instruction: x", ChosenScore: 1, RejectedScore: 0.2,
		Scorer: "heuristic", Type: "open", Provenance: testProv(),
	}
	tr := newTrainer(trainConfig(), zerolog.Nop(), nil)
	out := filepath.Join(t.TempDir(), "dpo")
	if _, err := tr.Run(context.Background(), Request{Stage: StageDPO, Dataset: writeDataset(t, pair), OutDir: out}); err == nil {
		t.Fatalf("dpo without adapter accepted")
	}
	res, err := tr.Run(context.Background(), Request{Stage: StageDPO, Dataset: writeDataset(t, pair), OutDir: out, Adapter: "/runs/sft"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, err := ReadJob(res.JobPath)
	if err != nil {
		t.Fatal(err)
	}
	if job.ModelConfig.AdapterPath != "/runs/sft" || job.TrainingArguments.Beta != 0.1 || job.DatasetConfig.ChosenColumn != "chosen" {
		t.Fatalf("dpo job: %+v", job)
	}
}

func TestPrepareRejectsWrongKind(t *testing.T) {
	tr := newTrainer(trainConfig(), zerolog.Nop(), nil)
	_, _, err := tr.Prepare(Request{Stage: StageDPO, Dataset: writeDataset(t, example(1)), OutDir: t.TempDir(), Adapter: "a"})
	if err == nil || !strings.Contains(err.Error(), "needs preference") {
		t.Fatalf("got %v", err)
	}
	_, _, err = tr.Prepare(Request{Stage: StageSFT, Dataset: writeDataset(t), OutDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("got %v", err)
	}
}

func TestPrepareRejectsMissingProvenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	if err := os.WriteFile(path, []byte(`{"instruction":"a","response":"b","type":"open"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := newTrainer(trainConfig(), zerolog.Nop(), nil)
	_, _, err := tr.Prepare(Request{Stage: StageSFT, Dataset: path, OutDir: t.TempDir()})
	if !errors.Is(err, dataset.ErrMissingProvenance) {
		t.Fatalf("got %v", err)
	}
}

func TestRunCommandFailure(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.New()
	tr := newTrainer(trainConfig(), zerolog.New(zerolog.SyncWriter(&buf)), m, "BASECAI_HELPER_FAIL=1")
	_, err := tr.Run(context.Background(), Request{Stage: StageSFT, Dataset: writeDataset(t, example(1)), OutDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(buf.String(), "CUDA out of memory") {
		t.Fatalf("stderr not logged:\n%s", buf.String())
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "basecai_trainer_runs_total"); err != nil || n != 1 {
		t.Fatalf("train run series = %d (%v)", n, err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	tc := trainConfig()
	tc.Command = []string{filepath.Join(t.TempDir(), "no-such-trainer")}
	tr := New(Config{Train: tc, LaunchRetries: 3, LaunchWait: time.Millisecond, Logger: zerolog.Nop()})
	start := time.Now()
	_, err := tr.Run(context.Background(), Request{Stage: StageSFT, Dataset: writeDataset(t, example(1)), OutDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "start") {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("missing binary should not be retried")
	}
}

func TestParseStage(t *testing.T) {
	if s, err := ParseStage("dpo"); err != nil || s != StageDPO {
		t.Fatalf("ParseStage: %v %v", s, err)
	}
	if _, err := ParseStage("ppo"); err == nil {
		t.Fatalf("ppo accepted")
	}
}
