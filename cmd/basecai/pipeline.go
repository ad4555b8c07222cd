package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"basecai/internal/critic"
	"basecai/internal/dataset"
	"basecai/internal/evaluator"
	"basecai/internal/generator"
	"basecai/internal/loader"
	"basecai/internal/manifest"
	"basecai/internal/trainer"
	"basecai/pkg/types"
)

func newGenerateCmd(a *app) *cobra.Command {
	var insPath, seedsPath, outFile string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate instruction/response examples from the base model",
		Example: "  basecai generate --model qwen2.5-7b --instructions seeds.txt --samples 500\n" +
			"  basecai generate --model qwen2.5-7b --seeds seeds.yaml --samples 2000 --dataset out/gen.jsonl",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (insPath == "") == (seedsPath == "") {
				return errors.New("generate: exactly one of --instructions or --seeds is required")
			}
			ctx := cmd.Context()
			out := a.outPath(outFile, "generated.jsonl")
			sess := a.session(ctx, manifest.Artifact{Kind: "dataset", Path: out})

			format, err := a.format()
			if err != nil {
				return err
			}
			_, h, prov, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer h.Close()

			params := a.cfg.Generation.Params()
			n := a.cfg.Generation.Samples
			var ins []generator.Instruction
			if insPath != "" {
				if ins, err = generator.LoadInstructions(insPath); err != nil {
					return err
				}
			} else {
				seeds, err := generator.LoadInstructions(seedsPath)
				if err != nil {
					return err
				}
				texts := make([]string, len(seeds))
				for i, s := range seeds {
					texts[i] = s.Text
				}
				if ins, err = generator.Instructions(ctx, h, texts, n, generator.SelfInstructConfig{Format: format, Params: params}); err != nil {
					return err
				}
				a.log.Info().Str("event", "self_instruct_done").Int("seeds", len(texts)).Int("instructions", len(ins)).Msg("generate")
			}
			if len(ins) > n {
				ins = ins[:n]
			}

			w, err := dataset.Create(out)
			if err != nil {
				return err
			}
			g := generator.New(h, generator.Config{
				Format:    format,
				Params:    params,
				Retries:   a.retries(),
				RetryWait: retryWait,
				Logger:    a.log,
				Metrics:   a.metrics,
			})
			sum, runErr := g.Run(ctx, ins, w)
			if kept, err := a.settle(w, runErr); err != nil || !kept {
				return a.abort(sess, errors.Join(runErr, err))
			}
			counts := w.Counts()
			if err := sess.Record("dataset", out, counts[dataset.KindGenerated], prov.LoaderRevision); err != nil {
				return errors.Join(runErr, err)
			}
			if w.HasFailures() {
				if err := sess.Record("failures", w.FailurePath(), counts[dataset.KindFailed], prov.LoaderRevision); err != nil {
					return errors.Join(runErr, err)
				}
			}
			mpath, err := a.writeManifest(sess)
			if runErr != nil || err != nil {
				return errors.Join(runErr, err)
			}
			a.log.Info().Str("event", "generate_done").Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).
				Int("empty", sum.Empty).Dur("duration", sum.Duration).Msg("generate")
			return a.printJSON(struct {
				generator.Summary
				Dataset  string `json:"dataset"`
				Failures string `json:"failures,omitempty"`
				Manifest string `json:"manifest"`
			}{sum, out, failuresPath(w), mpath})
		},
	}
	cmd.Flags().StringVar(&insPath, "instructions", "", "Instruction file (.txt one per line, .jsonl or .yaml)")
	cmd.Flags().StringVar(&seedsPath, "seeds", "", "Seed instructions to self-generate --samples new instructions from")
	cmd.Flags().StringVar(&outFile, "dataset", "", "Output JSONL (default <out>/generated.jsonl)")
	return cmd
}

const retryWait = 500 * time.Millisecond

// retries maps generation.retries to the generator's convention, where a
// configured 0 disables retrying.
func (a *app) retries() int {
	if a.cfg.Generation.Retries == 0 {
		return -1
	}
	return a.cfg.Generation.Retries
}

// settle closes w after a run. When the run stopped on a contamination,
// load or quantization error the output is discarded instead and kept is
// false.
func (a *app) settle(w *dataset.Writer, runErr error) (kept bool, err error) {
	if loader.IsFatal(runErr) {
		a.log.Warn().Err(runErr).Str("event", "output_discarded").Str("path", w.Path()).Msg("pipeline")
		return false, w.Discard()
	}
	return true, w.Close()
}

// abort writes the manifest of a failed run without recording the output
// and returns err.
func (a *app) abort(sess *manifest.Session, err error) error {
	if _, merr := a.writeManifest(sess); merr != nil {
		return errors.Join(err, merr)
	}
	return err
}

func failuresPath(w *dataset.Writer) string {
	if w.HasFailures() {
		return w.FailurePath()
	}
	return ""
}

func newCritiqueCmd(a *app) *cobra.Command {
	var insPath, dataPath, outFile string
	cmd := &cobra.Command{
		Use:     "critique",
		Short:   "Sample several responses per instruction, score them and write preference pairs",
		Example: "  basecai critique --model qwen2.5-7b --dataset out/generated.jsonl --pairs out/pairs.jsonl",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (insPath == "") == (dataPath == "") {
				return errors.New("critique: exactly one of --instructions or --dataset is required")
			}
			var ins []generator.Instruction
			var err error
			if insPath != "" {
				ins, err = generator.LoadInstructions(insPath)
			} else {
				ins, err = instructionsFromDataset(dataPath)
			}
			if err != nil {
				return err
			}
			if n := a.cfg.Generation.Samples; len(ins) > n {
				ins = ins[:n]
			}
			scorer, err := critic.NewScorer(a.cfg.Critic.Scorer, a.cfg.Generation.Delimiter)
			if err != nil {
				return err
			}
			format, err := a.format()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := a.outPath(outFile, "pairs.jsonl")
			sess := a.session(ctx, manifest.Artifact{Kind: "pairs", Path: out})
			_, h, prov, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer h.Close()

			params := a.cfg.Generation.Params()
			params.Temperature = a.cfg.Critic.Temperature
			w, err := dataset.Create(out)
			if err != nil {
				return err
			}
			c := critic.New(h, critic.Config{
				Format:    format,
				Params:    params,
				K:         a.cfg.Critic.Candidates,
				MinMargin: a.cfg.Critic.MinMargin,
				Scorer:    scorer,
				Retries:   a.retries(),
				RetryWait: retryWait,
				Logger:    a.log,
				Metrics:   a.metrics,
			})
			sum, runErr := c.Run(ctx, ins, w)
			if kept, err := a.settle(w, runErr); err != nil || !kept {
				return a.abort(sess, errors.Join(runErr, err))
			}
			counts := w.Counts()
			if err := sess.Record("pairs", out, counts[dataset.KindPreference], prov.LoaderRevision); err != nil {
				return errors.Join(runErr, err)
			}
			if w.HasFailures() {
				if err := sess.Record("failures", w.FailurePath(), counts[dataset.KindFailed], prov.LoaderRevision); err != nil {
					return errors.Join(runErr, err)
				}
			}
			mpath, err := a.writeManifest(sess)
			if runErr != nil || err != nil {
				return errors.Join(runErr, err)
			}
			return a.printJSON(struct {
				critic.Summary
				Pairs    string `json:"pairs"`
				Failures string `json:"failures,omitempty"`
				Manifest string `json:"manifest"`
			}{sum, out, failuresPath(w), mpath})
		},
	}
	cmd.Flags().StringVar(&insPath, "instructions", "", "Instruction file (.txt, .jsonl or .yaml)")
	cmd.Flags().StringVar(&dataPath, "dataset", "", "Generated dataset whose instructions are critiqued")
	cmd.Flags().StringVar(&outFile, "pairs", "", "Output JSONL (default <out>/pairs.jsonl)")
	return cmd
}

// instructionsFromDataset reads the instructions of a generated dataset.
// The file must carry provenance on every record.
func instructionsFromDataset(path string) ([]generator.Instruction, error) {
	recs, err := dataset.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []generator.Instruction
	for _, e := range dataset.Examples(recs) {
		out = append(out, generator.Instruction{ID: e.ID, Text: e.Instruction, Type: e.Type})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no generated examples", path)
	}
	return generator.Dedup(out), nil
}

func newTrainCmd(a *app) *cobra.Command {
	var dataPath, adapter string
	cmd := &cobra.Command{
		Use:   "train sft|dpo",
		Short: "Write a LoRA training job for the dataset and run the configured trainer on it",
		Example: "  basecai train sft --config basecai.yaml --dataset out/generated.jsonl\n" +
			"  basecai train dpo --config basecai.yaml --dataset out/pairs.jsonl --adapter out/sft",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(trainer.StageSFT), string(trainer.StageDPO)},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := trainer.ParseStage(args[0])
			if err != nil {
				return err
			}
			if dataPath == "" {
				return errors.New("train: --dataset is required")
			}
			ctx := cmd.Context()
			outDir := filepath.Join(a.cfg.OutDir, string(stage))
			sess := a.session(ctx, manifest.Artifact{Kind: "train_job", Path: filepath.Join(outDir, string(stage)+"-job.yaml")})
			t := trainer.New(trainer.Config{
				Train:         a.cfg.Train,
				Delimiter:     a.cfg.Generation.Delimiter,
				Seed:          a.cfg.Generation.Seed,
				Manifest:      filepath.Join(a.cfg.OutDir, "manifest-"+sess.ID()+".json"),
				LaunchRetries: 2,
				Logger:        a.log,
				Metrics:       a.metrics,
			})
			res, runErr := t.Run(ctx, trainer.Request{Stage: stage, Dataset: dataPath, OutDir: outDir, Adapter: adapter})
			if res.JobPath == "" {
				return runErr
			}
			job, err := trainer.ReadJob(res.JobPath)
			if err != nil {
				return errors.Join(runErr, err)
			}
			rev := strings.Join(job.Provenance.LoaderRevisions, ",")
			if err := sess.Record("train_job", res.JobPath, res.Records, rev); err != nil {
				return errors.Join(runErr, err)
			}
			mpath, err := a.writeManifest(sess)
			if runErr != nil || err != nil {
				return errors.Join(runErr, err)
			}
			return a.printJSON(struct {
				trainer.Result
				Manifest string `json:"manifest"`
			}{res, mpath})
		},
	}
	cmd.Flags().StringVar(&dataPath, "dataset", "", "Generated dataset (sft) or preference pairs (dpo)")
	cmd.Flags().StringVar(&adapter, "adapter", "", "SFT adapter directory a dpo run starts from")
	return cmd
}

func newEvaluateCmd(a *app) *cobra.Command {
	var itemsPath, reportFile string
	var variantSpecs []string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate model variants one at a time on held-out instructions and compare them",
		Example: "  basecai evaluate --items heldout.yaml --variant base=qwen2.5-7b:4bit --variant sft=qwen2.5-7b-sft:4bit\n" +
			"  basecai evaluate --items heldout.jsonl --model qwen2.5-7b",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if itemsPath == "" {
				return errors.New("evaluate: --items is required")
			}
			items, err := evaluator.LoadItems(itemsPath)
			if err != nil {
				return err
			}
			if n := a.cfg.Generation.Samples; cmd.Flags().Changed("samples") && len(items) > n {
				items = items[:n]
			}
			variants, err := parseVariants(variantSpecs)
			if err != nil {
				return err
			}
			if len(variants) == 0 {
				if err := a.requireModel(); err != nil {
					return fmt.Errorf("evaluate: pass --variant or %w", err)
				}
				q, err := a.quantization()
				if err != nil {
					return err
				}
				variants = []evaluator.Variant{{Name: a.model, Model: a.model, Quant: q}}
			}
			format, err := a.format()
			if err != nil {
				return err
			}
			l, err := a.newLoader()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := a.outPath(reportFile, "report.json")
			sess := a.session(ctx, manifest.Artifact{Kind: "report", Path: out})
			params := a.cfg.Generation.Params()
			params.MaxNewTokens = a.cfg.Eval.MaxNewTokens
			ev := evaluator.New(l, evaluator.Config{
				Format:     format,
				Params:     params,
				Confidence: a.cfg.Eval.Confidence,
				Alpha:      a.cfg.Eval.Alpha,
				Correction: a.cfg.Eval.Correction,
				EvalSet:    itemsPath,
				Manifest:   filepath.Join(a.cfg.OutDir, "manifest-"+sess.ID()+".json"),
				Logger:     a.log,
				Metrics:    a.metrics,
			})
			rep, err := ev.Run(ctx, variants, items)
			if err != nil {
				return err
			}
			if err := evaluator.WriteReport(out, rep); err != nil {
				return err
			}
			if err := sess.Record("report", out, len(rep.Results), reportRevision(rep)); err != nil {
				return err
			}
			mpath, err := a.writeManifest(sess)
			if err != nil {
				return err
			}
			return a.printJSON(struct {
				Summary    map[string]types.VariantSummary `json:"summary"`
				Statistics types.Statistics                `json:"statistics"`
				Report     string                          `json:"report"`
				Manifest   string                          `json:"manifest"`
			}{rep.Summary, rep.Statistics, out, mpath})
		},
	}
	cmd.Flags().StringVar(&itemsPath, "items", "", "Held-out evaluation items (.jsonl or .yaml)")
	cmd.Flags().StringArrayVar(&variantSpecs, "variant", nil, "Variant as name=model[:quant]; repeat or comma-separate, evaluated in order")
	cmd.Flags().StringVar(&reportFile, "report", "", "Output report (default <out>/report.json)")
	return cmd
}

// reportRevision joins the distinct loader revisions of the variants.
func reportRevision(rep *types.Report) string {
	seen := map[string]bool{}
	var revs []string
	for _, v := range rep.Metadata.Variants {
		r := v.Provenance.LoaderRevision
		if r != "" && !seen[r] {
			seen[r] = true
			revs = append(revs, r)
		}
	}
	return strings.Join(revs, ",")
}
