package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/repoexport/internal/config"
	"github.com/BadgerOps/repoexport/internal/engine"
	"github.com/BadgerOps/repoexport/internal/repository"
	"github.com/BadgerOps/repoexport/internal/store"
)

var (
	// Global flags
	cfgPath   string
	rootDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore    *store.Store
	globalExporter *engine.Exporter
)

// initializeComponents builds the store, repository adapters, event sinks
// and exporter from the loaded config
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.New(globalCfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	repo, index, relations, err := buildRepository(globalCfg)
	if err != nil {
		return err
	}

	events, err := buildEventSink(globalCfg)
	if err != nil {
		return err
	}

	level, err := globalCfg.Export.EncoderLevel()
	if err != nil {
		return err
	}

	globalExporter = engine.NewExporter(repo, index, globalStore, events, engine.Options{
		RootDir:          globalCfg.Export.RootDir,
		ArchiveName:      globalCfg.Export.ArchiveName,
		CompressionLevel: level,
		Relations:        relations,
		ChildLimit:       globalCfg.Index.ChildLimit,
	}, logger)

	logger.Debug("components initialized successfully", "backend", globalCfg.Repository.Backend)
	return nil
}

// buildRepository returns the object store, the membership index and the
// relation names the index understands. The fixture backend answers
// membership from RELS-EXT style predicates, so it uses those as relations.
func buildRepository(cfg *config.Config) (repository.Repository, repository.Index, []string, error) {
	switch cfg.Repository.Backend {
	case config.BackendFixture:
		mem, err := repository.LoadFixture(cfg.Repository.Fixture)
		if err != nil {
			return nil, nil, nil, err
		}
		relations := cfg.Repository.ParentPredicates
		if len(relations) == 0 {
			relations = repository.DefaultParentPredicates
		}
		mem.SetRelationOrder(relations)
		return mem, mem, relations, nil

	case config.BackendFedora:
		repoTimeout, err := config.ParseDuration(cfg.Repository.Timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		fedora, err := repository.NewFedora(repository.FedoraOptions{
			BaseURL:          cfg.Repository.BaseURL,
			Username:         cfg.Repository.Username,
			Password:         cfg.Repository.Password,
			ParentPredicates: cfg.Repository.ParentPredicates,
			RetryAttempts:    cfg.Repository.RetryAttempts,
			Timeout:          repoTimeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}

		indexTimeout, err := config.ParseDuration(cfg.Index.Timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		solr, err := repository.NewSolr(repository.SolrOptions{
			BaseURL: cfg.Index.BaseURL,
			IDField: cfg.Index.IDField,
			Sort:    cfg.Index.Sort,
			Timeout: indexTimeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return fedora, solr, cfg.Index.Relations, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown repository backend %q", cfg.Repository.Backend)
}

func buildEventSink(cfg *config.Config) (engine.EventSink, error) {
	sinks := engine.MultiSink{engine.LogSink{Logger: logger}}
	if cfg.Events.WebhookURL != "" {
		timeout, err := config.ParseDuration(cfg.Events.Timeout)
		if err != nil {
			return nil, err
		}
		hook, err := engine.NewWebhookSink(cfg.Events.WebhookURL, timeout, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	return sinks, nil
}

// defaultRequest builds the request defaults from the export section
func defaultRequest(cfg *config.Config) (engine.Request, error) {
	scale := int64(engine.DefaultScale)
	if cfg.Export.Limits.Scale != "" {
		var err error
		scale, err = engine.ParseSize(cfg.Export.Limits.Scale)
		if err != nil {
			return engine.Request{}, fmt.Errorf("export.limits.scale: %w", err)
		}
	}
	return engine.Request{
		Identity:           repository.Identity{User: cfg.Export.Identity},
		ContentTypes:       cfg.Export.ContentTypes,
		ExcludeDatastreams: cfg.Export.ExcludeDatastreams,
		Checksums:          cfg.Export.Checksums,
		TTLHours:           cfg.Export.TTLHours,
		BaseURL:            cfg.Export.BaseURL,
		Limits: engine.SizeLimits{
			Scale:          scale,
			SourceLimit:    cfg.Export.Limits.SourceLimit,
			SplitThreshold: cfg.Export.Limits.SplitThreshold,
			Splitter:       cfg.Export.Limits.Splitter,
		},
	}, nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"init":    true,
		"inspect": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repoexport",
		Short: "Export repository collections as downloadable archives",
		Long: `repoexport walks a digital repository from a list of start objects,
packs every matching datastream into a .tar.zst container, optionally splits
it into numbered parts with reassembly scripts, and publishes URL and checksum
manifests for the result. Each export lands in its own directory and is
tracked until it expires.`,
		Example: `  repoexport export --start islandora:root --types image/tiff,application/pdf
  repoexport export --request nightly.yaml
  repoexport batch requests/*.yaml --parallel 4
  repoexport status --expired
  repoexport serve --listen 0.0.0.0:8080
  repoexport inspect /var/lib/repoexport/exports/<id>/export.tar.zst`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil && cmd.Name() != "init" {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if rootDir != "" {
				globalCfg.Export.RootDir = rootDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "root_dir", globalCfg.Export.RootDir)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&rootDir, "root-dir", "", "override export root directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newExportCmd(),
		newBatchCmd(),
		newStatusCmd(),
		newInspectCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
