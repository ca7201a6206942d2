package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/repoexport/internal/engine"
)

var (
	exportRequestFile  string
	exportStart        string
	exportExclude      string
	exportTypes        string
	exportExcludeTypes string
	exportExcludeDS    string
	exportUser         string
	exportChecksums    string
	exportBaseURL      string
	exportTTL          int
	exportSourceLimit  string
	exportSplitSize    string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run one export",
		Long: `Walk the repository from the start objects and pack every matching
datastream into a new export directory under the export root.

The job comes from --request (YAML, JSON or JSONC) or from flags; flags given
alongside --request override the file. Unset fields fall back to the export
section of the config file.`,
		Example: `  repoexport export --start islandora:root --types image/tiff
  repoexport export --request theses.yaml --split-size 4GB
  repoexport export --start a:1,a:2 --exclude a:2 --checksums md5,sha256`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportRequestFile, "request", "", "request file (.yaml, .json or .jsonc)")
	cmd.Flags().StringVar(&exportStart, "start", "", "comma-separated start object ids")
	cmd.Flags().StringVar(&exportExclude, "exclude", "", "comma-separated object ids to skip")
	cmd.Flags().StringVar(&exportTypes, "types", "", "comma-separated content types to include (empty: all)")
	cmd.Flags().StringVar(&exportExcludeTypes, "exclude-types", "", "comma-separated content types to leave out")
	cmd.Flags().StringVar(&exportExcludeDS, "exclude-datastreams", "", "comma-separated datastream ids to leave out")
	cmd.Flags().StringVar(&exportUser, "user", "", "acting identity for repository calls")
	cmd.Flags().StringVar(&exportChecksums, "checksums", "", "comma-separated checksum algorithms (md5, sha1, sha256, blake3, none)")
	cmd.Flags().StringVar(&exportBaseURL, "base-url", "", "URL prefix for published files")
	cmd.Flags().IntVar(&exportTTL, "ttl", 0, "hours until the export expires")
	cmd.Flags().StringVar(&exportSourceLimit, "source-limit", "", "stop once this much source content is archived (e.g. 20GB)")
	cmd.Flags().StringVar(&exportSplitSize, "split-size", "", "split the container into parts of this size (e.g. 4GB)")

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalExporter == nil {
		return fmt.Errorf("exporter not initialized")
	}

	req, err := buildExportRequest()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting export", "start", req.StartObjects, "identity", req.Identity.User)
	res, err := globalExporter.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	printResult(res)
	return nil
}

// buildExportRequest merges the request file, the flags and the config defaults
func buildExportRequest() (*engine.Request, error) {
	req := &engine.Request{}
	if exportRequestFile != "" {
		loaded, err := engine.LoadRequest(exportRequestFile)
		if err != nil {
			return nil, err
		}
		req = loaded
	}

	if v := splitList(exportStart); len(v) > 0 {
		req.StartObjects = v
	}
	if v := splitList(exportExclude); len(v) > 0 {
		req.ExcludeObjects = v
	}
	if v := splitList(exportTypes); len(v) > 0 {
		req.ContentTypes = v
	}
	if v := splitList(exportExcludeTypes); len(v) > 0 {
		req.ExcludeContentTypes = v
	}
	if v := splitList(exportExcludeDS); len(v) > 0 {
		req.ExcludeDatastreams = v
	}
	if v := splitList(exportChecksums); len(v) > 0 {
		req.Checksums = v
	}
	if exportUser != "" {
		req.Identity.User = exportUser
	}
	if exportBaseURL != "" {
		req.BaseURL = exportBaseURL
	}
	if exportTTL > 0 {
		req.TTLHours = exportTTL
	}

	def, err := defaultRequest(globalCfg)
	if err != nil {
		return nil, err
	}
	req.ApplyDefaults(def)

	if exportSourceLimit != "" || exportSplitSize != "" {
		if err := overrideLimits(&req.Limits, exportSourceLimit, exportSplitSize); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// overrideLimits rewrites limits in bytes so absolute sizes from flags can
// replace one limit while keeping the other.
func overrideLimits(l *engine.SizeLimits, sourceLimit, splitSize string) error {
	resolved, err := l.Resolve()
	if err != nil {
		return err
	}
	l.Scale = 1
	l.SourceLimit = resolved.SourceBytes
	l.SplitThreshold = resolved.SplitBytes

	if sourceLimit != "" {
		n, err := engine.ParseSize(sourceLimit)
		if err != nil {
			return fmt.Errorf("--source-limit: %w", err)
		}
		l.SourceLimit = n
	}
	if splitSize != "" {
		n, err := engine.ParseSize(splitSize)
		if err != nil {
			return fmt.Errorf("--split-size: %w", err)
		}
		l.SplitThreshold = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printResult(res *engine.Result) {
	fmt.Println("Export Complete")
	fmt.Println("===============")
	fmt.Printf("ID:               %s\n", res.ID)
	if res.Empty {
		fmt.Println("Result:           no matching content")
		if res.SizeConstrained {
			fmt.Println("Size constrained: yes (first entry exceeded the source limit)")
		}
		return
	}

	fmt.Printf("Directory:        %s\n", res.Directory)
	fmt.Printf("Items:            %d\n", res.Stats.Count)
	fmt.Printf("Source size:      %s\n", humanize.Bytes(uint64(res.Stats.SourceBytes)))
	fmt.Printf("Container size:   %s\n", humanize.Bytes(uint64(res.Stats.ContainerBytes)))
	fmt.Printf("Split:            %t\n", res.Split)
	fmt.Printf("Size constrained: %t\n", res.SizeConstrained)
	if !res.ExpiresAt.IsZero() {
		fmt.Printf("Expires:          %s (%s)\n", res.ExpiresAt.Format("2006-01-02 15:04"), humanize.Time(res.ExpiresAt))
	}

	fmt.Println("\nFiles:")
	for _, u := range res.FileURLs {
		fmt.Printf("  %s\n", u)
	}

	fmt.Println("\nManifests:")
	algs := make([]string, 0, len(res.ManifestURLs))
	for alg := range res.ManifestURLs {
		algs = append(algs, string(alg))
	}
	sort.Strings(algs)
	for _, alg := range algs {
		fmt.Printf("  %-7s %s\n", alg, res.ManifestURLs[engine.Algorithm(alg)])
	}
}
