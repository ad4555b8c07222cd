package main

import (
	"errors"
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"basecai/internal/backend"
	"basecai/internal/loader"
	"basecai/internal/manifest"
	"basecai/internal/registry"
	"basecai/pkg/types"
)

type verifyResult struct {
	Model        string                `json:"model"`
	Provenance   types.Provenance      `json:"provenance"`
	Sentinel     loader.SentinelResult `json:"sentinel"`
	ChatTokenIDs []int                 `json:"chat_token_ids"`
}

func newVerifyCmd(a *app) *cobra.Command {
	var again bool
	cmd := &cobra.Command{
		Use:     "verify",
		Short:   "Load a model with its chat template disabled and run the sentinel probes",
		Example: "  basecai verify --model qwen2.5-7b --quant 4bit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, h, prov, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer h.Close()
			res := h.Sentinel()
			if again {
				if res, err = l.Verify(ctx, h); err != nil {
					return err
				}
			}
			out := verifyResult{Model: a.model, Provenance: prov, Sentinel: res, ChatTokenIDs: h.ChatTokenIDs()}
			if a.jsonOut {
				return a.printJSON(out)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "PROBE\tWITH\tWITHOUT\tDELTA\tOK\n")
			for _, p := range res.Probes {
				fmt.Fprintf(tw, "%q\t%d\t%d\t%d\t%v\n", p.Prompt, p.WithSpecial, p.WithoutSpecial, p.Delta, p.Passed())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "clean: %s (%s) revision=%s dirty=%v sentinel=%s\n",
				prov.ModelName, prov.Quantization, prov.LoaderRevision, prov.LoaderDirty, res.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&again, "recheck", false, "Run the probe battery a second time on the loaded handle")
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model files found in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if backend.Kind(a.cfg.Backend.Kind) == backend.KindOpenAI {
				return errors.New("models: the openai backend serves models by name; nothing to list")
			}
			models, err := registry.LoadDir(a.cfg.ModelsDir)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(models)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tNAME\tQUANT\tSIZE\n")
			for _, m := range models {
				q := string(m.Quantization)
				if q == "" {
					q = "?"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Name, q, humanize.IBytes(uint64(m.SizeBytes)))
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version and loader source revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := a.revision()(cmd.Context())
			if a.jsonOut {
				return a.printJSON(map[string]any{
					"version":  version,
					"go":       runtime.Version(),
					"revision": info.Revision,
					"dirty":    info.Dirty,
				})
			}
			fmt.Fprintf(a.stdout, "basecai %s (%s) revision=%s dirty=%v\n", version, runtime.Version(), info.Revision, info.Dirty)
			return nil
		},
	}
}

func newManifestCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "manifest <path>",
		Short: "Show a session manifest; with --check, fail when planned artifacts are missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Read(args[0])
			if err != nil {
				return err
			}
			missing := m.Missing()
			if a.jsonOut {
				if err := a.printJSON(m); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(a.stdout, "session %s started %s revision=%s dirty=%v host=%s\n",
					m.SessionID, m.StartedAt.Format("2006-01-02T15:04:05Z"), m.Source.Revision, m.Source.Dirty, m.Host.ID)
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "KIND\tPATH\tRECORDS\tSIZE\tREVISION\n")
				for _, g := range m.Generated {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", g.Kind, g.Path, g.Records, humanize.IBytes(uint64(g.SizeBytes)), g.LoaderRevision)
				}
				for _, p := range missing {
					fmt.Fprintf(tw, "missing\t%s\t\t\t\n", p)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if check && len(missing) > 0 {
				return fmt.Errorf("manifest %s: %d planned artifact(s) missing", m.SessionID, len(missing))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero if any planned artifact was not generated")
	return cmd
}
