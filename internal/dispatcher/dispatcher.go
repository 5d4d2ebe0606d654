package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
)

// Dispatcher wires the per-kind actors, cursor store, series resolver,
// follow-up enqueuer and event publisher into one pure-execution step per
// leased job.
type Dispatcher struct {
	FolderScan   FolderScanActor
	MediaAnalyze MediaAnalyzeActor
	Metadata     MetadataActor
	Indexer      IndexerActor
	ImageFetch   ImageFetchActor
	Series       SeriesResolverPort
	Cursors      CursorStore
	Queue        Enqueuer
	Events       Publisher

	bundlesMu      sync.Mutex
	bundles        map[seriesBundleKey]*seriesBundleState
	rootBySeriesID map[seriesBundleKey]string // libraryID+seriesID -> series root path
}

// New constructs a Dispatcher from its collaborators. Every field is a
// small interface so tests can substitute fakes without touching this
// type (§9's "actor polymorphism").
func New(folderScan FolderScanActor, mediaAnalyze MediaAnalyzeActor, metadata MetadataActor, indexer IndexerActor, imageFetch ImageFetchActor, series SeriesResolverPort, cursors CursorStore, queue Enqueuer, events Publisher) *Dispatcher {
	return &Dispatcher{
		FolderScan: folderScan, MediaAnalyze: mediaAnalyze, Metadata: metadata,
		Indexer: indexer, ImageFetch: imageFetch, Series: series,
		Cursors: cursors, Queue: queue, Events: events,
		bundles:        make(map[seriesBundleKey]*seriesBundleState),
		rootBySeriesID: make(map[seriesBundleKey]string),
	}
}

// Dispatch executes job to completion (for this attempt) and returns the
// resulting Status. It never panics on a malformed payload — that
// dead-letters via ErrInvalidData like any other job-local defect.
func (d *Dispatcher) Dispatch(ctx context.Context, job model.Job, correlationID string) Status {
	logger := log.WithComponent("dispatcher")

	var err error
	switch job.Kind {
	case model.KindFolderScan:
		err = d.dispatchFolderScan(ctx, job, correlationID)
	case model.KindMediaAnalyze:
		err = d.dispatchMediaAnalyze(ctx, job, correlationID)
	case model.KindSeriesResolve:
		err = d.dispatchSeriesResolve(ctx, job, correlationID)
	case model.KindEpisodeMatch:
		err = d.dispatchEpisodeMatch(ctx, job, correlationID)
	case model.KindMetadataEnrich:
		err = d.dispatchMetadataEnrich(ctx, job, correlationID)
	case model.KindIndexUpsert:
		err = d.dispatchIndexUpsert(ctx, job, correlationID)
	case model.KindImageFetch:
		err = d.dispatchImageFetch(ctx, job, correlationID)
	default:
		err = fmt.Errorf("%w: unknown job kind %q", ErrInvalidData, job.Kind)
	}

	status := StatusFor(err)
	if status.Outcome != Success {
		logger.Warn().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("outcome", status.Outcome.String()).Err(err).Msg("dispatch did not succeed")
	}
	return status
}

func unmarshalPayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrInvalidData)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s", ErrInvalidData, err)
	}
	return v, nil
}

func (d *Dispatcher) meta(job model.Job, correlationID, pathKey string) model.EventMeta {
	return model.EventMeta{
		CorrelationID: correlationID,
		LibraryID:     job.LibraryID,
		PathKey:       pathKey,
		EmittedAt:     time.Now(),
	}
}

// dispatchFolderScan implements the FolderScan state machine step
// (SPEC_FULL §4.4): short-circuit on an unchanged listing hash, otherwise
// fan out discovered media and child folders, bias the pipeline by
// enqueuing MediaAnalyze at P0, and seed series resolution when the
// folder is a series root.
func (d *Dispatcher) dispatchFolderScan(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[FolderScanPayload](job.Payload)
	if err != nil {
		return err
	}
	logger := log.WithComponent("dispatcher")

	listing, err := d.FolderScan.Scan(ctx, job.LibraryID, payload.FolderPath)
	if err != nil {
		return err
	}

	if cursor, ok, cerr := d.Cursors.Get(job.LibraryID, payload.FolderPath); cerr == nil && ok && cursor.ListingHash == listing.ListingHash {
		d.Events.PublishDomain(ctx, model.Event{
			Meta: d.meta(job, correlationID, payload.FolderPath), Kind: model.EvFolderScanCompleted,
			Path: payload.FolderPath,
		})
		d.trackFolderScanCompleted(job.LibraryID, payload.FolderPath)
		d.tryEmitBundleFinalized(ctx, job.LibraryID, payload.FolderPath, correlationID)
		return d.Cursors.Upsert(model.ScanCursor{
			LibraryID: job.LibraryID, FolderPath: payload.FolderPath,
			ListingHash: listing.ListingHash, EntryCount: listing.EntryCount, LastScan: time.Now().Unix(),
		})
	}

	for _, item := range listing.MediaItems {
		d.Events.PublishDomain(ctx, model.Event{
			Meta: d.meta(job, correlationID, item.Path), Kind: model.EvMediaFileDiscovered, MediaPath: item.Path,
		})
		if _, err := d.Queue.Enqueue(ctx, model.EnqueueRequest{
			Kind: model.KindMediaAnalyze, Priority: model.P0, LibraryID: job.LibraryID,
			Payload: mustMarshal(MediaAnalyzePayload{Path: item.Path}),
			DedupeKey: "media_analyze:" + item.Path, CorrelationID: correlationID,
		}); err != nil {
			logger.Warn().Str("path", item.Path).Err(err).Msg("failed to enqueue media analyze for discovered item")
		}
	}
	for _, child := range listing.ChildFolders {
		d.Events.PublishDomain(ctx, model.Event{
			Meta: d.meta(job, correlationID, child), Kind: model.EvFolderDiscovered, Path: child,
		})
	}

	if listing.SeriesRoot != "" {
		if state, ok, _ := d.Series.GetState(job.LibraryID, listing.SeriesRoot); !ok || state.Status != model.SeriesResolved {
			if _, err := d.Queue.Enqueue(ctx, model.EnqueueRequest{
				Kind: model.KindSeriesResolve, Priority: model.P0, LibraryID: job.LibraryID,
				Payload:   mustMarshal(SeriesResolvePayload{SeriesRootPath: listing.SeriesRoot, Reason: payload.Reason}),
				DedupeKey: "series_resolve:" + listing.SeriesRoot, CorrelationID: correlationID,
			}); err != nil {
				logger.Warn().Str("series_root", listing.SeriesRoot).Err(err).Msg("failed to enqueue series resolve")
			}
		}
	}

	if err := d.Cursors.Upsert(model.ScanCursor{
		LibraryID: job.LibraryID, FolderPath: payload.FolderPath,
		ListingHash: listing.ListingHash, EntryCount: listing.EntryCount, LastScan: time.Now().Unix(),
	}); err != nil {
		return &DatabaseError{Err: err}
	}

	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(job, correlationID, payload.FolderPath), Kind: model.EvFolderScanCompleted, Path: payload.FolderPath,
	})
	d.trackFolderScanCompleted(job.LibraryID, payload.FolderPath)
	d.tryEmitBundleFinalized(ctx, job.LibraryID, payload.FolderPath, correlationID)
	return nil
}

// dispatchMediaAnalyze implements the MediaAnalyze step: episode variants
// either proceed straight to MetadataEnrich (series already resolved) or
// wait behind an EpisodeMatch job gated on the series root.
func (d *Dispatcher) dispatchMediaAnalyze(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[MediaAnalyzePayload](job.Payload)
	if err != nil {
		return err
	}

	analyzed, err := d.MediaAnalyze.Analyze(ctx, job.LibraryID, payload.Path)
	if err != nil {
		return err
	}
	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(job, correlationID, payload.Path), Kind: model.EvMediaAnalyzed, MediaPath: payload.Path,
	})

	if analyzed.Episode {
		d.trackEpisodeDiscovered(job.LibraryID, analyzed.SeriesRoot, payload.Path)
	}

	if analyzed.Episode && !analyzed.HasResolvedSeries {
		state, ok, _ := d.Series.GetState(job.LibraryID, analyzed.SeriesRoot)
		if ok && state.Status == model.SeriesResolved {
			_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
				Kind: model.KindMetadataEnrich, Priority: model.P0, LibraryID: job.LibraryID,
				Payload:   mustMarshal(MetadataEnrichPayload{Path: payload.Path, SeriesID: state.ResolvedSeriesID}),
				DedupeKey: "metadata_enrich:" + payload.Path, CorrelationID: correlationID,
			})
			return err
		}
		_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
			Kind: model.KindEpisodeMatch, Priority: model.P1, LibraryID: job.LibraryID,
			Payload:       mustMarshal(EpisodeMatchPayload{Path: payload.Path, SeriesRoot: analyzed.SeriesRoot}),
			DedupeKey:     "episode_match:" + payload.Path,
			DependencyKey: "series_resolve:" + analyzed.SeriesRoot,
			CorrelationID: correlationID,
		})
		return err
	}

	_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
		Kind: model.KindMetadataEnrich, Priority: model.P1, LibraryID: job.LibraryID,
		Payload:   mustMarshal(MetadataEnrichPayload{Path: payload.Path, SeriesID: analyzed.ResolvedSeriesID}),
		DedupeKey: "metadata_enrich:" + payload.Path, CorrelationID: correlationID,
	})
	return err
}

// dispatchSeriesResolve implements the SeriesResolve step: a success
// releases the dependency key so waiting EpisodeMatch jobs can proceed;
// a terminal failure marks the series Failed and still releases the key,
// so those jobs dead-letter cleanly instead of waiting forever. A success
// also marks the series root resolved in the bundle tracker and attempts a
// SeriesBundleFinalized emission, in case every episode was already ready
// before resolution landed.
func (d *Dispatcher) dispatchSeriesResolve(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[SeriesResolvePayload](job.Payload)
	if err != nil {
		return err
	}

	seriesID, resolveErr := d.Series.Resolve(ctx, job.LibraryID, payload.SeriesRootPath, payload.Hint, payload.Reason)
	dependencyKey := "series_resolve:" + payload.SeriesRootPath

	if resolveErr != nil {
		_ = d.Series.MarkFailed(job.LibraryID, payload.SeriesRootPath, resolveErr.Error())
		_ = d.Queue.ReleaseDependency(ctx, job.LibraryID, dependencyKey)
		return resolveErr
	}

	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(job, correlationID, payload.SeriesRootPath), Kind: model.EvMediaReadyForIndex,
		SeriesRoot: payload.SeriesRootPath, SeriesID: seriesID,
	})
	d.trackSeriesResolved(job.LibraryID, payload.SeriesRootPath, seriesID)
	d.tryEmitBundleFinalized(ctx, job.LibraryID, payload.SeriesRootPath, correlationID)
	if err := d.Queue.ReleaseDependency(ctx, job.LibraryID, dependencyKey); err != nil {
		return &DatabaseError{Err: err}
	}
	_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
		Kind: model.KindIndexUpsert, Priority: model.P0, LibraryID: job.LibraryID,
		Payload:   mustMarshal(IndexUpsertPayload{Path: payload.SeriesRootPath}),
		DedupeKey: "index_upsert:" + payload.SeriesRootPath, CorrelationID: correlationID,
	})
	return err
}

// dispatchEpisodeMatch implements the EpisodeMatch step: this job should
// only ever run once its dependency key has been released, so a missing
// or unresolved series state here means something went wrong upstream —
// dead-letter rather than loop.
func (d *Dispatcher) dispatchEpisodeMatch(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[EpisodeMatchPayload](job.Payload)
	if err != nil {
		return err
	}

	state, ok, err := d.Series.GetState(job.LibraryID, payload.SeriesRoot)
	if err != nil {
		return &DatabaseError{Err: err}
	}
	if !ok || state.Status != model.SeriesResolved {
		return fmt.Errorf("%w: series root %q not resolved", ErrConflict, payload.SeriesRoot)
	}

	_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
		Kind: model.KindMetadataEnrich, Priority: model.P0, LibraryID: job.LibraryID,
		Payload:   mustMarshal(MetadataEnrichPayload{Path: payload.Path, SeriesID: state.ResolvedSeriesID}),
		DedupeKey: "metadata_enrich:" + payload.Path, CorrelationID: correlationID,
	})
	return err
}

// dispatchMetadataEnrich implements the MetadataEnrich step: every
// requested image asset is fanned out at its own priority hint before the
// IndexUpsert follow-up is enqueued.
func (d *Dispatcher) dispatchMetadataEnrich(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[MetadataEnrichPayload](job.Payload)
	if err != nil {
		return err
	}

	enriched, err := d.Metadata.Enrich(ctx, job.LibraryID, payload.Path, payload.SeriesID)
	if err != nil {
		return err
	}
	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(job, correlationID, payload.Path), Kind: model.EvMediaReadyForIndex, MediaPath: payload.Path,
	})
	if seriesRoot, ok := d.trackEpisodeReady(job.LibraryID, payload.SeriesID, payload.Path); ok {
		d.tryEmitBundleFinalized(ctx, job.LibraryID, seriesRoot, correlationID)
	}

	logger := log.WithComponent("dispatcher")
	for _, asset := range enriched.ImageAssets {
		if _, err := d.Queue.Enqueue(ctx, model.EnqueueRequest{
			Kind: model.KindImageFetch, Priority: asset.Priority, LibraryID: job.LibraryID,
			Payload:   mustMarshal(ImageFetchPayload{URL: asset.URL}),
			DedupeKey: "image_fetch:" + asset.URL, CorrelationID: correlationID,
		}); err != nil {
			logger.Warn().Str("url", asset.URL).Err(err).Msg("failed to enqueue image fetch")
		}
	}

	_, err = d.Queue.Enqueue(ctx, model.EnqueueRequest{
		Kind: model.KindIndexUpsert, Priority: model.P0, LibraryID: job.LibraryID,
		Payload:   mustMarshal(IndexUpsertPayload{Path: payload.Path}),
		DedupeKey: "index_upsert:" + payload.Path, CorrelationID: correlationID,
	})
	return err
}

func (d *Dispatcher) dispatchIndexUpsert(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[IndexUpsertPayload](job.Payload)
	if err != nil {
		return err
	}
	changeKind, err := d.Indexer.Upsert(ctx, job.LibraryID, payload.Path)
	if err != nil {
		return err
	}
	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(job, correlationID, payload.Path), Kind: model.EvIndexed, Path: payload.Path, ChangeKind: changeKind,
	})
	return nil
}

func (d *Dispatcher) dispatchImageFetch(ctx context.Context, job model.Job, correlationID string) error {
	payload, err := unmarshalPayload[ImageFetchPayload](job.Payload)
	if err != nil {
		return err
	}
	return d.ImageFetch.Fetch(ctx, job.LibraryID, payload.URL)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of strings/ints/enums;
		// a marshal failure would mean a programming error, not bad input.
		panic(fmt.Sprintf("dispatcher: marshal payload: %v", err))
	}
	return raw
}
