package dispatcher

import "github.com/scanwright/scanorch/internal/model"

// Per-kind job payloads. Dispatch unmarshals model.Job.Payload into the
// variant matching the job's Kind before executing its state machine step.

type FolderScanPayload struct {
	FolderPath string           `json:"folder_path"`
	Reason     model.ScanReason `json:"reason"`
}

type MediaAnalyzePayload struct {
	Path string `json:"path"`
}

type MetadataEnrichPayload struct {
	Path     string `json:"path"`
	SeriesID string `json:"series_id,omitempty"`
}

type EpisodeMatchPayload struct {
	Path       string `json:"path"`
	SeriesRoot string `json:"series_root"`
}

type SeriesResolvePayload struct {
	SeriesRootPath string           `json:"series_root_path"`
	Hint           model.SeriesHint `json:"hint"`
	Reason         model.ScanReason `json:"reason"`
}

type IndexUpsertPayload struct {
	Path string `json:"path"`
}

type ImageFetchPayload struct {
	URL string `json:"url"`
}
