package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwright/scanorch/internal/model"
)

type fakeFolderScan struct {
	listing Listing
	err     error
}

func (f fakeFolderScan) Scan(ctx context.Context, libraryID, folderPath string) (Listing, error) {
	return f.listing, f.err
}

type fakeMediaAnalyze struct {
	result AnalyzedMedia
	err    error
}

func (f fakeMediaAnalyze) Analyze(ctx context.Context, libraryID, path string) (AnalyzedMedia, error) {
	return f.result, f.err
}

type fakeMetadata struct {
	result EnrichedMetadata
	err    error
}

func (f fakeMetadata) Enrich(ctx context.Context, libraryID, path, seriesID string) (EnrichedMetadata, error) {
	return f.result, f.err
}

type fakeIndexer struct {
	changeKind string
	err        error
}

func (f fakeIndexer) Upsert(ctx context.Context, libraryID, path string) (string, error) {
	return f.changeKind, f.err
}

type fakeImageFetch struct{ err error }

func (f fakeImageFetch) Fetch(ctx context.Context, libraryID, url string) error { return f.err }

type fakeSeries struct {
	seriesID         string
	resolveErr       error
	state            model.SeriesState
	stateFound       bool
	markFailedReason string
}

func (f *fakeSeries) Resolve(ctx context.Context, libraryID, root string, hint model.SeriesHint, reason model.ScanReason) (string, error) {
	return f.seriesID, f.resolveErr
}
func (f *fakeSeries) GetState(libraryID, root string) (model.SeriesState, bool, error) {
	return f.state, f.stateFound, nil
}
func (f *fakeSeries) MarkFailed(libraryID, root, reason string) error {
	f.markFailedReason = reason
	return nil
}

type fakeCursors struct {
	cursor  model.ScanCursor
	found   bool
	upserts []model.ScanCursor
}

func (f *fakeCursors) Get(libraryID, folderPath string) (model.ScanCursor, bool, error) {
	return f.cursor, f.found, nil
}
func (f *fakeCursors) Upsert(c model.ScanCursor) error {
	f.upserts = append(f.upserts, c)
	return nil
}

type fakeQueue struct {
	enqueued []model.EnqueueRequest
	released []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, req model.EnqueueRequest) (model.JobHandle, error) {
	f.enqueued = append(f.enqueued, req)
	return model.JobHandle{JobID: "job-" + req.DedupeKey, Accepted: true}, nil
}
func (f *fakeQueue) ReleaseDependency(ctx context.Context, library, key string) error {
	f.released = append(f.released, key)
	return nil
}

type fakePublisher struct {
	jobEvents    []model.Event
	domainEvents []model.Event
}

func (f *fakePublisher) PublishJob(ctx context.Context, ev model.Event) model.Event {
	f.jobEvents = append(f.jobEvents, ev)
	return ev
}
func (f *fakePublisher) PublishDomain(ctx context.Context, ev model.Event) model.Event {
	f.domainEvents = append(f.domainEvents, ev)
	return ev
}

func newTestDispatcher() (*Dispatcher, *fakeQueue, *fakePublisher, *fakeCursors, *fakeSeries) {
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	cursors := &fakeCursors{}
	series := &fakeSeries{}
	d := New(fakeFolderScan{}, fakeMediaAnalyze{}, fakeMetadata{}, fakeIndexer{}, fakeImageFetch{}, series, cursors, queue, pub)
	return d, queue, pub, cursors, series
}

func TestDispatchFolderScanShortCircuitsOnMatchingCursor(t *testing.T) {
	d, queue, pub, cursors, _ := newTestDispatcher()
	d.FolderScan = fakeFolderScan{listing: Listing{ListingHash: "same", EntryCount: 3}}
	cursors.cursor = model.ScanCursor{ListingHash: "same"}
	cursors.found = true

	job := model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: mustMarshal(FolderScanPayload{FolderPath: "/tv"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	assert.Equal(t, Success, status.Outcome)
	assert.Empty(t, queue.enqueued, "short-circuit must not fan out children")
	require.Len(t, pub.domainEvents, 1)
	assert.Equal(t, model.EvFolderScanCompleted, pub.domainEvents[0].Kind)
}

func TestDispatchFolderScanFansOutMediaAndSeries(t *testing.T) {
	d, queue, _, cursors, _ := newTestDispatcher()
	d.FolderScan = fakeFolderScan{listing: Listing{
		ListingHash: "new",
		MediaItems:  []MediaItem{{Path: "/tv/show/e01.mkv", Episode: true}},
		SeriesRoot:  "/tv/show",
	}}

	job := model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: mustMarshal(FolderScanPayload{FolderPath: "/tv/show"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, queue.enqueued, 2)
	assert.Equal(t, model.KindMediaAnalyze, queue.enqueued[0].Kind)
	assert.Equal(t, model.P0, queue.enqueued[0].Priority)
	assert.Equal(t, model.KindSeriesResolve, queue.enqueued[1].Kind)
	require.Len(t, cursors.upserts, 1)
	assert.Equal(t, "new", cursors.upserts[0].ListingHash)
}

func TestDispatchMediaAnalyzeEpisodeWithoutResolvedSeriesEnqueuesEpisodeMatch(t *testing.T) {
	d, queue, _, _, _ := newTestDispatcher()
	d.MediaAnalyze = fakeMediaAnalyze{result: AnalyzedMedia{Episode: true, SeriesRoot: "/tv/show"}}

	job := model.Job{Kind: model.KindMediaAnalyze, LibraryID: "lib-1", Payload: mustMarshal(MediaAnalyzePayload{Path: "/tv/show/e01.mkv"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, model.KindEpisodeMatch, queue.enqueued[0].Kind)
	assert.Equal(t, "series_resolve:/tv/show", queue.enqueued[0].DependencyKey)
}

func TestDispatchMediaAnalyzeEpisodeWithResolvedSeriesGoesStraightToEnrich(t *testing.T) {
	d, queue, _, _, series := newTestDispatcher()
	d.MediaAnalyze = fakeMediaAnalyze{result: AnalyzedMedia{Episode: true, SeriesRoot: "/tv/show"}}
	series.state = model.SeriesState{Status: model.SeriesResolved, ResolvedSeriesID: "s1"}
	series.stateFound = true

	job := model.Job{Kind: model.KindMediaAnalyze, LibraryID: "lib-1", Payload: mustMarshal(MediaAnalyzePayload{Path: "/tv/show/e01.mkv"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, model.KindMetadataEnrich, queue.enqueued[0].Kind)
}

func TestDispatchSeriesResolveReleasesDependencyAndEnqueuesIndex(t *testing.T) {
	d, queue, pub, _, _ := newTestDispatcher()
	series := &fakeSeries{seriesID: "s1"}
	d.Series = series

	job := model.Job{Kind: model.KindSeriesResolve, LibraryID: "lib-1", Payload: mustMarshal(SeriesResolvePayload{SeriesRootPath: "/tv/show"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	assert.Contains(t, queue.released, "series_resolve:/tv/show")
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, model.KindIndexUpsert, queue.enqueued[0].Kind)
	require.Len(t, pub.domainEvents, 1)
	assert.Equal(t, model.EvMediaReadyForIndex, pub.domainEvents[0].Kind)
}

func TestDispatchSeriesResolveFailureStillReleasesDependency(t *testing.T) {
	d, queue, _, _, _ := newTestDispatcher()
	series := &fakeSeries{resolveErr: &TransportError{Err: assertError("catalog down")}}
	d.Series = series

	job := model.Job{Kind: model.KindSeriesResolve, LibraryID: "lib-1", Payload: mustMarshal(SeriesResolvePayload{SeriesRootPath: "/tv/show"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	assert.Equal(t, Retry, status.Outcome)
	assert.Contains(t, queue.released, "series_resolve:/tv/show")
	assert.Equal(t, "catalog down", series.markFailedReason)
}

func TestDispatchEpisodeMatchDeadLettersWhenSeriesNotResolved(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher()

	job := model.Job{Kind: model.KindEpisodeMatch, LibraryID: "lib-1", Payload: mustMarshal(EpisodeMatchPayload{Path: "/e01.mkv", SeriesRoot: "/tv/show"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	assert.Equal(t, DeadLetter, status.Outcome)
}

func TestDispatchEpisodeMatchEnqueuesEnrichWhenResolved(t *testing.T) {
	d, queue, _, _, series := newTestDispatcher()
	series.state = model.SeriesState{Status: model.SeriesResolved, ResolvedSeriesID: "s1"}
	series.stateFound = true

	job := model.Job{Kind: model.KindEpisodeMatch, LibraryID: "lib-1", Payload: mustMarshal(EpisodeMatchPayload{Path: "/e01.mkv", SeriesRoot: "/tv/show"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, model.KindMetadataEnrich, queue.enqueued[0].Kind)
}

func TestDispatchMetadataEnrichFansOutImagesThenIndex(t *testing.T) {
	d, queue, _, _, _ := newTestDispatcher()
	d.Metadata = fakeMetadata{result: EnrichedMetadata{ImageAssets: []ImageAsset{{URL: "http://img/1"}, {URL: "http://img/2"}}}}

	job := model.Job{Kind: model.KindMetadataEnrich, LibraryID: "lib-1", Payload: mustMarshal(MetadataEnrichPayload{Path: "/e01.mkv"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, queue.enqueued, 3)
	assert.Equal(t, model.KindImageFetch, queue.enqueued[0].Kind)
	assert.Equal(t, model.KindImageFetch, queue.enqueued[1].Kind)
	assert.Equal(t, model.KindIndexUpsert, queue.enqueued[2].Kind)
}

func TestDispatchIndexUpsertPublishesIndexed(t *testing.T) {
	d, _, pub, _, _ := newTestDispatcher()
	d.Indexer = fakeIndexer{changeKind: "created"}

	job := model.Job{Kind: model.KindIndexUpsert, LibraryID: "lib-1", Payload: mustMarshal(IndexUpsertPayload{Path: "/e01.mkv"})}
	status := d.Dispatch(context.Background(), job, "corr-1")

	require.Equal(t, Success, status.Outcome)
	require.Len(t, pub.domainEvents, 1)
	assert.Equal(t, "created", pub.domainEvents[0].ChangeKind)
}

func TestDispatchUnknownKindDeadLetters(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher()
	job := model.Job{Kind: model.JobKind("bogus"), LibraryID: "lib-1", Payload: json.RawMessage(`{}`)}
	status := d.Dispatch(context.Background(), job, "corr-1")
	assert.Equal(t, DeadLetter, status.Outcome)
}

func TestDispatchMalformedPayloadDeadLetters(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher()
	job := model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: json.RawMessage(``)}
	status := d.Dispatch(context.Background(), job, "corr-1")
	assert.Equal(t, DeadLetter, status.Outcome)
}

func TestSeriesBundleFinalizedOnceEveryEpisodeIsReadyAndSeriesResolved(t *testing.T) {
	d, _, pub, _, _ := newTestDispatcher()

	d.MediaAnalyze = fakeMediaAnalyze{result: AnalyzedMedia{Episode: true, SeriesRoot: "/tv/show"}}
	analyzeJob := model.Job{Kind: model.KindMediaAnalyze, LibraryID: "lib-1", Payload: mustMarshal(MediaAnalyzePayload{Path: "/tv/show/e01.mkv"})}
	require.Equal(t, Success, d.Dispatch(context.Background(), analyzeJob, "corr-1").Outcome)

	d.FolderScan = fakeFolderScan{listing: Listing{ListingHash: "h1", SeriesRoot: "/tv/show"}}
	folderJob := model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: mustMarshal(FolderScanPayload{FolderPath: "/tv/show"})}
	require.Equal(t, Success, d.Dispatch(context.Background(), folderJob, "corr-1").Outcome)

	for _, ev := range pub.domainEvents {
		require.NotEqual(t, model.EvSeriesBundleFinal, ev.Kind, "bundle must not finalize before the series is resolved or the episode is ready")
	}

	enrichJob := model.Job{Kind: model.KindMetadataEnrich, LibraryID: "lib-1", Payload: mustMarshal(MetadataEnrichPayload{Path: "/tv/show/e01.mkv", SeriesID: "s1"})}
	require.Equal(t, Success, d.Dispatch(context.Background(), enrichJob, "corr-1").Outcome)

	for _, ev := range pub.domainEvents {
		require.NotEqual(t, model.EvSeriesBundleFinal, ev.Kind, "bundle must not finalize before the series is resolved")
	}

	series := &fakeSeries{seriesID: "s1"}
	d.Series = series
	resolveJob := model.Job{Kind: model.KindSeriesResolve, LibraryID: "lib-1", Payload: mustMarshal(SeriesResolvePayload{SeriesRootPath: "/tv/show"})}
	require.Equal(t, Success, d.Dispatch(context.Background(), resolveJob, "corr-1").Outcome)

	var finalized *model.Event
	for i := range pub.domainEvents {
		if pub.domainEvents[i].Kind == model.EvSeriesBundleFinal {
			finalized = &pub.domainEvents[i]
		}
	}
	require.NotNil(t, finalized, "series bundle must finalize once resolved with every episode ready")
	assert.Equal(t, "/tv/show", finalized.SeriesRoot)
	assert.Equal(t, "s1", finalized.SeriesID)
}

func TestSeriesBundleFinalizedOnlyOnce(t *testing.T) {
	d, _, pub, _, _ := newTestDispatcher()

	d.MediaAnalyze = fakeMediaAnalyze{result: AnalyzedMedia{Episode: true, SeriesRoot: "/tv/show"}}
	require.Equal(t, Success, d.Dispatch(context.Background(), model.Job{Kind: model.KindMediaAnalyze, LibraryID: "lib-1", Payload: mustMarshal(MediaAnalyzePayload{Path: "/tv/show/e01.mkv"})}, "corr-1").Outcome)

	d.FolderScan = fakeFolderScan{listing: Listing{ListingHash: "h1", SeriesRoot: "/tv/show"}}
	require.Equal(t, Success, d.Dispatch(context.Background(), model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: mustMarshal(FolderScanPayload{FolderPath: "/tv/show"})}, "corr-1").Outcome)

	require.Equal(t, Success, d.Dispatch(context.Background(), model.Job{Kind: model.KindMetadataEnrich, LibraryID: "lib-1", Payload: mustMarshal(MetadataEnrichPayload{Path: "/tv/show/e01.mkv", SeriesID: "s1"})}, "corr-1").Outcome)

	d.Series = &fakeSeries{seriesID: "s1"}
	resolveJob := model.Job{Kind: model.KindSeriesResolve, LibraryID: "lib-1", Payload: mustMarshal(SeriesResolvePayload{SeriesRootPath: "/tv/show"})}
	require.Equal(t, Success, d.Dispatch(context.Background(), resolveJob, "corr-1").Outcome)

	// Re-scanning the same already-resolved root (e.g. a cache-hit rescan)
	// must not publish a second finalization for the same bundle.
	require.Equal(t, Success, d.Dispatch(context.Background(), model.Job{Kind: model.KindFolderScan, LibraryID: "lib-1", Payload: mustMarshal(FolderScanPayload{FolderPath: "/tv/show"})}, "corr-1").Outcome)

	count := 0
	for _, ev := range pub.domainEvents {
		if ev.Kind == model.EvSeriesBundleFinal {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

func assertError(msg string) error { return stringErr(msg) }
