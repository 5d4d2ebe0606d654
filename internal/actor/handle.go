package actor

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/scanwright/scanorch/internal/model"
)

func (l *Library) handle(ctx context.Context, cmd any, logger *zerolog.Logger) {
	switch c := cmd.(type) {
	case startCmd:
		l.handleStart(ctx, c, logger)
	case fsEventsCmd:
		l.handleFsEvents(ctx, c, logger)
	case jobCompletedCmd:
		l.completedCount++
	case jobFailedCmd:
		if c.retryable {
			l.retryingCount++
		} else {
			l.failedCount++
		}
	}
}

func (l *Library) handleStart(ctx context.Context, c startCmd, logger *zerolog.Logger) {
	reason := model.ReasonBulkSeed
	if c.mode == ModeMaintenance {
		reason = model.ReasonMaintenanceSweep
	}

	reqs := make([]model.EnqueueRequest, 0, len(l.roots))
	for _, root := range l.roots {
		payload, err := json.Marshal(folderScanPayload{FolderPath: root.Path, Reason: reason})
		if err != nil {
			logger.Error().Err(err).Str("root", root.Path).Msg("failed to marshal folder scan payload")
			continue
		}
		reqs = append(reqs, model.EnqueueRequest{
			Kind: model.KindFolderScan, Priority: model.PriorityForReason(reason), LibraryID: l.id,
			Payload: payload, DedupeKey: "folder_scan:" + root.Path, CorrelationID: c.correlationID,
		})
	}
	if len(reqs) == 0 {
		return
	}
	if _, err := l.queue.EnqueueMany(ctx, reqs); err != nil {
		logger.Error().Err(err).Str("library_id", l.id).Msg("failed to enqueue start-scan batch")
	}
}

func (l *Library) handleFsEvents(ctx context.Context, c fsEventsCmd, logger *zerolog.Logger) {
	overflow := len(c.events) > burstThreshold

	seen := make(map[string]struct{}, len(c.events))
	reqs := make([]model.EnqueueRequest, 0, len(c.events))
	for _, ev := range c.events {
		if _, dup := seen[ev.Path]; dup {
			continue
		}
		seen[ev.Path] = struct{}{}

		reason := model.ReasonHotChange
		if overflow {
			reason = model.ReasonWatcherOverflow
		}

		payload, err := json.Marshal(folderScanPayload{FolderPath: ev.Path, Reason: reason})
		if err != nil {
			logger.Error().Err(err).Str("path", ev.Path).Msg("failed to marshal fs-event payload")
			continue
		}
		reqs = append(reqs, model.EnqueueRequest{
			Kind: model.KindFolderScan, Priority: model.PriorityForReason(reason), LibraryID: l.id,
			Payload: payload, DedupeKey: "folder_scan:" + ev.Path, CorrelationID: c.correlationID,
		})
	}
	if len(reqs) == 0 {
		return
	}
	if _, err := l.queue.EnqueueMany(ctx, reqs); err != nil {
		logger.Error().Err(err).Str("library_id", l.id).Msg("failed to enqueue fs-event batch")
	}
}

type folderScanPayload struct {
	FolderPath string           `json:"folder_path"`
	Reason     model.ScanReason `json:"reason"`
}
