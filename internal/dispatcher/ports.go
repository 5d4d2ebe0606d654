package dispatcher

import (
	"context"

	"github.com/scanwright/scanorch/internal/model"
)

// Listing is what a FolderScanActor hands back: the discovered media and
// child-folder contexts plus the computed listing hash used for cursor
// short-circuiting.
type Listing struct {
	ListingHash  string
	EntryCount   int
	MediaItems   []MediaItem
	ChildFolders []string
	SeriesRoot   string // empty if this folder is not a series root
}

// MediaItem is one discovered media file context.
type MediaItem struct {
	Path     string
	Episode  bool
	Priority model.Priority
}

// FolderScanActor enumerates a folder and reports its contents.
type FolderScanActor interface {
	Scan(ctx context.Context, libraryID, folderPath string) (Listing, error)
}

// AnalyzedMedia is the outcome of analyzing one media file.
type AnalyzedMedia struct {
	Path              string
	Episode           bool
	SeriesRoot        string
	HasResolvedSeries bool
	ResolvedSeriesID  string
	ImageAssets       []ImageAsset
}

// MediaAnalyzeActor inspects a media file's container/stream metadata.
type MediaAnalyzeActor interface {
	Analyze(ctx context.Context, libraryID, path string) (AnalyzedMedia, error)
}

// ImageAsset is one image fetch to enqueue after metadata enrichment.
type ImageAsset struct {
	URL      string
	Priority model.Priority
}

// EnrichedMetadata is the outcome of metadata enrichment.
type EnrichedMetadata struct {
	ImageAssets []ImageAsset
}

// MetadataActor enriches a media item's metadata from external sources.
type MetadataActor interface {
	Enrich(ctx context.Context, libraryID, path string, seriesID string) (EnrichedMetadata, error)
}

// IndexerActor commits a media item to the searchable index.
type IndexerActor interface {
	Upsert(ctx context.Context, libraryID, path string) (changeKind string, err error)
}

// ImageFetchActor downloads and stores one image asset.
type ImageFetchActor interface {
	Fetch(ctx context.Context, libraryID, url string) error
}

// SeriesResolverPort is the dispatcher's view of the Series Resolver: just
// enough to drive SeriesResolve jobs and read resolved state elsewhere.
type SeriesResolverPort interface {
	Resolve(ctx context.Context, libraryID, seriesRootPath string, hint model.SeriesHint, reason model.ScanReason) (seriesID string, err error)
	GetState(libraryID, seriesRootPath string) (model.SeriesState, bool, error)
	MarkFailed(libraryID, seriesRootPath, reason string) error
}

// CursorStore is the dispatcher's view of Scan Cursors.
type CursorStore interface {
	Get(libraryID, folderPath string) (model.ScanCursor, bool, error)
	Upsert(model.ScanCursor) error
}

// Enqueuer is the dispatcher's view of the Job Queue for follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (model.JobHandle, error)
	ReleaseDependency(ctx context.Context, library, key string) error
}

// Publisher is the dispatcher's view of the event bus streams.
type Publisher interface {
	PublishJob(ctx context.Context, ev model.Event) model.Event
	PublishDomain(ctx context.Context, ev model.Event) model.Event
}
