package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelvisor/internal/registry"
)

// pullCmd prefetches artifacts into the content root so the first start of a
// model does not pay for the download. Arguments are artifact references or
// configured model ids; with none, every configured model is pulled.
func pullCmd() *cobra.Command {
	var (
		f           flagValues
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "pull [ref-or-model-id...]",
		Short: "Download model artifacts into the content root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			cache, err := newCache(cfg, &log)
			if err != nil {
				return err
			}
			specs, err := registry.Build(cfg)
			if err != nil {
				return err
			}
			byID := make(map[string]string, len(specs))
			for _, s := range specs {
				byID[s.ID] = s.ArtifactRef
			}
			refs := args
			if len(refs) == 0 {
				for _, s := range specs {
					refs = append(refs, s.ArtifactRef)
				}
			}
			if len(refs) == 0 {
				return fmt.Errorf("nothing to pull: pass references or configure models")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(concurrency, 1))
			out := cmd.OutOrStdout()
			for _, ref := range refs {
				if r, ok := byID[ref]; ok {
					ref = r
				}
				g.Go(func() error {
					dir, err := cache.Resolve(gctx, ref)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s\t%s\n", ref, dir)
					return nil
				})
			}
			return g.Wait()
		},
	}
	f.registerCommon(cmd)
	cmd.Flags().StringVar(&f.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Artifacts downloaded in parallel")
	return cmd
}
