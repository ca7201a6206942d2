package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/repoexport/internal/repository"
	"github.com/BadgerOps/repoexport/internal/safety"
	"github.com/BadgerOps/repoexport/internal/store"
	"github.com/BadgerOps/repoexport/internal/traversal"
)

// DefaultArchiveName is the container file name inside an export directory.
const DefaultArchiveName = "export.tar.zst"

// State is a step of an export run.
type State string

const (
	StateInitializing      State = "initializing"
	StateTraversing        State = "traversing"
	StateAbortedByLimit    State = "aborted-by-limit"
	StateCompletedEmpty    State = "completed-empty"
	StateCompletedNonEmpty State = "completed-nonempty"
	StateSplitDecision     State = "split-decision"
	StateManifestBuilt     State = "manifest-built"
	StateFinalized         State = "finalized"
)

// errContainerWrite marks failures writing the container; they end the export.
var errContainerWrite = errors.New("container write failed")

// Tracker records the lifecycle of export directories.
type Tracker interface {
	CreateExport(rec *store.ExportRecord) error
	CompleteExport(rec *store.ExportRecord) error
	FailExport(id string, cause error, at time.Time) error
}

// Options configures an Exporter.
type Options struct {
	RootDir          string
	ArchiveName      string
	CompressionLevel zstd.EncoderLevel
	// Relations are the index fields that reference a parent.
	Relations  []string
	ChildLimit int
}

// Result describes a finished export.
type Result struct {
	ID              string
	Directory       string
	State           State
	Stats           Stats
	SizeConstrained bool
	Empty           bool
	Split           bool
	// Outcome is the traversal outcome before post-processing.
	Outcome      State
	Deliverables []string
	FileURLs     []string
	ManifestURLs map[Algorithm]string
	ExpiresAt    time.Time
}

// Exporter runs export requests against one repository and index.
// Run is safe to call concurrently; each call owns its export directory.
type Exporter struct {
	repo    repository.Repository
	index   repository.Index
	tracker Tracker
	events  EventSink
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewExporter creates an Exporter. tracker and events may be nil.
func NewExporter(repo repository.Repository, index repository.Index, tracker Tracker, events EventSink, opts Options, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = LogSink{Logger: logger}
	}
	if opts.ArchiveName == "" {
		opts.ArchiveName = DefaultArchiveName
	}
	return &Exporter{
		repo:    repo,
		index:   index,
		tracker: tracker,
		events:  events,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Run performs one export. Per-item repository failures are logged and
// skipped; hitting the source limit ends the walk early and the partial
// container is still delivered.
func (e *Exporter) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	frozen := req.Clone()

	limits, err := frozen.Limits.Resolve()
	if err != nil {
		return nil, err
	}
	algs, err := ParseAlgorithms(frozen.Checksums)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir, err := safety.SafeJoinUnder(e.opts.RootDir, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	res := &Result{ID: id, Directory: dir, State: StateInitializing}
	logger := e.logger.With("export", id, "identity", frozen.Identity.User)

	rec := &store.ExportRecord{
		ID:        id,
		Path:      dir,
		Identity:  frozen.Identity.User,
		Status:    store.StatusRunning,
		CreatedAt: e.now().UTC(),
	}
	if e.tracker != nil {
		if err := e.tracker.CreateExport(rec); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("recording export: %w", err)
		}
	}

	fail := func(cause error) (*Result, error) {
		if e.tracker != nil {
			if err := e.tracker.FailExport(id, cause, e.now().UTC()); err != nil {
				logger.Error("failed to record export failure", "error", err)
			}
		}
		return res, cause
	}

	scratch, err := os.MkdirTemp("", "repoexport-"+id+"-")
	if err != nil {
		return fail(fmt.Errorf("creating scratch directory: %w", err))
	}
	defer os.RemoveAll(scratch)

	builder := NewArchiveBuilder(filepath.Join(dir, e.opts.ArchiveName), limits.SourceBytes, e.opts.CompressionLevel)

	res.State = StateTraversing
	logger.Info("export started",
		"start", frozen.StartObjects,
		"source_limit", limits.SourceBytes,
		"split_threshold", limits.SplitBytes,
	)

	if err := e.traverse(ctx, logger, &frozen, builder, scratch, res); err != nil {
		return fail(err)
	}
	res.Stats = builder.Stats()
	rec.ItemCount = res.Stats.Count
	rec.SourceBytes = res.Stats.SourceBytes
	rec.ContainerBytes = res.Stats.ContainerBytes
	rec.SizeConstrained = res.SizeConstrained

	if res.Stats.Count == 0 {
		res.State = StateCompletedEmpty
		res.Outcome = StateCompletedEmpty
		res.Empty = true
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove empty export directory", "error", err)
		}

		ev := EmptyEvent{ExportID: id, Request: frozen.Clone(), SizeConstrained: res.SizeConstrained, At: e.now().UTC()}
		if err := e.events.ExportEmpty(ctx, ev); err != nil {
			logger.Error("failed to deliver empty-export event", "error", err)
		}

		rec.Status = store.StatusEmpty
		rec.CompletedAt = ev.At
		e.complete(logger, rec)
		res.State = StateFinalized
		return res, nil
	}

	if res.SizeConstrained {
		res.Outcome = StateAbortedByLimit
	} else {
		res.Outcome = StateCompletedNonEmpty
	}
	res.State = StateSplitDecision
	deliverables, checksummed, precomputed, err := e.postProcess(ctx, logger, builder, limits, algs, res)
	if err != nil {
		return fail(err)
	}

	gen := &ManifestGenerator{BaseURL: frozen.BaseURL, Algorithms: algs}
	manifests, err := gen.Generate(dir, deliverables, checksummed, precomputed)
	if err != nil {
		return fail(fmt.Errorf("generating manifests: %w", err))
	}
	res.State = StateManifestBuilt
	res.Deliverables = deliverables
	res.FileURLs = manifests.FileURLs
	res.ManifestURLs = manifests.ManifestURLs

	completed := e.now().UTC()
	ev := GeneratedEvent{
		ExportID:        id,
		Request:         frozen.Clone(),
		Stats:           res.Stats,
		FileURLs:        slices.Clone(res.FileURLs),
		ManifestURLs:    manifests.ManifestURLs,
		SizeConstrained: res.SizeConstrained,
		TTLHours:        frozen.TTLHours,
		At:              completed,
	}
	if err := e.events.ExportGenerated(ctx, ev); err != nil {
		logger.Error("failed to deliver export event", "error", err)
	}

	res.ExpiresAt = completed.Add(time.Duration(frozen.TTLHours) * 3600 * time.Second)
	rec.Status = store.StatusCompleted
	rec.Split = res.Split
	rec.CompletedAt = completed
	rec.ExpiresAt = res.ExpiresAt
	e.complete(logger, rec)

	res.State = StateFinalized
	logger.Info("export finished",
		"items", res.Stats.Count,
		"source_bytes", res.Stats.SourceBytes,
		"container_bytes", res.Stats.ContainerBytes,
		"split", res.Split,
		"size_constrained", res.SizeConstrained,
		"expires_at", res.ExpiresAt,
	)
	return res, nil
}

func (e *Exporter) complete(logger *slog.Logger, rec *store.ExportRecord) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.CompleteExport(rec); err != nil {
		logger.Error("failed to update export record", "error", err)
	}
}

// traverse walks the request's forest and archives every included unit.
// It returns nil when the source limit stops the walk.
func (e *Exporter) traverse(ctx context.Context, logger *slog.Logger, req *Request, builder *ArchiveBuilder, scratch string, res *Result) error {
	walker := traversal.NewWalker(traversal.Config{
		Repository: e.repo,
		Index:      e.index,
		Identity:   req.Identity,
		Relations:  e.opts.Relations,
		ChildLimit: e.opts.ChildLimit,
		Logger:     logger,
	}, req.StartObjects, req.ExcludeObjects)

	filter := NewContentFilter(req.ContentTypes, req.ExcludeContentTypes, req.ExcludeDatastreams)

	for node, err := range walker.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Warn("skipping children", "error", err)
			continue
		}
		if node.LoadErr != nil {
			logger.Warn("skipping object content", "object", node.ID, "error", node.LoadErr)
			continue
		}

		units, err := node.Object.ContentUnits(ctx)
		if err != nil {
			logger.Warn("skipping object content", "object", node.ID, "error", err)
			continue
		}

		for _, unit := range units {
			err := e.archiveUnit(ctx, req.Identity, filter, builder, scratch, node, unit)
			switch {
			case err == nil:
			case errors.Is(err, ErrSourceLimitExceeded):
				logger.Warn("source size limit reached, ending export early",
					"object", node.ID, "datastream", unit.ID(), "error", err)
				res.SizeConstrained = true
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, errContainerWrite):
				return fmt.Errorf("archiving %s/%s: %w", node.ID, unit.ID(), err)
			case repository.IsAccessError(err):
				logger.Warn("skipping datastream", "object", node.ID, "datastream", unit.ID(), "error", err)
			default:
				logger.Error("unexpected error, skipping datastream", "object", node.ID, "datastream", unit.ID(), "error", err)
			}
		}
	}
	return nil
}

func (e *Exporter) archiveUnit(ctx context.Context, who repository.Identity, filter *ContentFilter, builder *ArchiveBuilder, scratch string, node *traversal.Node, unit repository.ContentUnit) error {
	ok, err := filter.Include(ctx, unit)
	if err != nil || !ok {
		return err
	}
	mimeType, err := unit.MimeType(ctx)
	if err != nil {
		return err
	}

	tmp := filepath.Join(scratch, "unit")
	defer os.Remove(tmp)
	if err := unit.RetrieveTo(ctx, who, tmp); err != nil {
		return err
	}

	components := append(slices.Clone(node.Path), unit.ID()+extensionFor(mimeType))
	if _, err := builder.AddEntry(tmp, safety.ArchivePath(components...)); err != nil {
		if errors.Is(err, ErrSourceLimitExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", errContainerWrite, err)
	}
	return nil
}

// postProcess splits the container when it exceeds the threshold. It returns
// the deliverable names, the names to checksum from disk, and the digests of
// a container that no longer exists.
func (e *Exporter) postProcess(ctx context.Context, logger *slog.Logger, builder *ArchiveBuilder, limits ResolvedLimits, algs []Algorithm, res *Result) ([]string, []string, []DigestedFile, error) {
	container := builder.Path()
	name := filepath.Base(container)

	if !limits.ShouldSplit(res.Stats.ContainerBytes) {
		return []string{name}, []string{name}, nil, nil
	}

	digests, err := DigestFile(container, algs)
	if err != nil {
		return nil, nil, nil, err
	}

	splitter := &Splitter{Binary: limits.Splitter, PartSize: limits.SplitBytes, Logger: logger}
	sr, err := splitter.Split(ctx, container)
	if err != nil {
		return nil, nil, nil, err
	}
	res.Split = true

	var parts []string
	for _, p := range sr.Parts {
		parts = append(parts, filepath.Base(p))
	}
	deliverables := slices.Clone(parts)
	for _, s := range sr.Scripts {
		deliverables = append(deliverables, filepath.Base(s))
	}
	return deliverables, parts, []DigestedFile{{Name: sr.Original, Digests: digests}}, nil
}

var preferredExtensions = map[string]string{
	"application/pdf":     ".pdf",
	"application/xml":     ".xml",
	"text/xml":            ".xml",
	"text/plain":          ".txt",
	"text/html":           ".html",
	"image/jpeg":          ".jpg",
	"image/jp2":           ".jp2",
	"image/png":           ".png",
	"image/tiff":          ".tif",
	"image/gif":           ".gif",
	"audio/mpeg":          ".mp3",
	"audio/x-wav":         ".wav",
	"video/mp4":           ".mp4",
	"application/rdf+xml": ".rdf",
}

// extensionFor maps a content type to a file extension, or "" when unknown.
func extensionFor(mimeType string) string {
	t := normalizeType(mimeType)
	if ext, ok := preferredExtensions[t]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(t); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
