package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/repoexport/internal/engine"
)

var batchParallel int

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch REQUEST...",
		Short: "Run several exports concurrently",
		Long: `Run one export per request file. Exports are independent: each gets its
own directory and tracking record, and a failing export does not stop the
others. The command fails if any export failed.`,
		Example: `  repoexport batch requests/*.yaml
  repoexport batch a.yaml b.jsonc --parallel 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: batchRun,
	}

	cmd.Flags().IntVar(&batchParallel, "parallel", 2, "maximum exports running at once")

	return cmd
}

type batchOutcome struct {
	file   string
	result *engine.Result
	err    error
}

func batchRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalExporter == nil {
		return fmt.Errorf("exporter not initialized")
	}
	if batchParallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}

	def, err := defaultRequest(globalCfg)
	if err != nil {
		return err
	}

	// Every request is loaded and validated before any export starts.
	requests := make([]*engine.Request, len(args))
	for i, path := range args {
		req, err := engine.LoadRequest(path)
		if err != nil {
			return err
		}
		req.ApplyDefaults(def)
		if err := req.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		requests[i] = req
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := make([]batchOutcome, len(args))
	var g errgroup.Group
	g.SetLimit(batchParallel)
	for i, req := range requests {
		g.Go(func() error {
			log.Info("starting export", "request", args[i])
			res, err := globalExporter.Run(ctx, req)
			outcomes[i] = batchOutcome{file: args[i], result: res, err: err}
			if err != nil {
				log.Error("export failed", "request", args[i], "error", err)
				return fmt.Errorf("%s: %w", args[i], err)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	printBatchSummary(outcomes)

	if waitErr != nil {
		failed := 0
		for _, o := range outcomes {
			if o.err != nil {
				failed++
			}
		}
		return fmt.Errorf("%d of %d exports failed (first: %w)", failed, len(outcomes), waitErr)
	}
	return nil
}

func printBatchSummary(outcomes []batchOutcome) {
	fmt.Println("Batch Summary")
	fmt.Println("=============")
	fmt.Println("")
	fmt.Printf("%-24s %-36s %8s %10s %s\n", "Request", "Export", "Items", "Size", "Result")
	fmt.Println(strings.Repeat("-", 96))

	for _, o := range outcomes {
		name := filepath.Base(o.file)
		switch {
		case o.err != nil:
			id := "-"
			if o.result != nil {
				id = o.result.ID
			}
			fmt.Printf("%-24s %-36s %8s %10s failed: %v\n", name, id, "-", "-", o.err)
		case o.result.Empty:
			fmt.Printf("%-24s %-36s %8d %10s empty\n", name, o.result.ID, 0, "-")
		default:
			status := "completed"
			if o.result.SizeConstrained {
				status = "completed (size constrained)"
			}
			fmt.Printf("%-24s %-36s %8d %10s %s\n",
				name, o.result.ID, o.result.Stats.Count,
				humanize.Bytes(uint64(o.result.Stats.ContainerBytes)), status)
		}
	}
	fmt.Println("")
}
