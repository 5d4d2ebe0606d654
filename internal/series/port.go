package series

import (
	"context"

	"github.com/scanwright/scanorch/internal/model"
)

// Port adapts *Resolver to the dispatcher's narrower SeriesResolverPort
// shape, so the dispatcher package never needs to import ResolveInput or
// Result directly.
type Port struct {
	Resolver *Resolver
}

func (p Port) Resolve(ctx context.Context, libraryID, seriesRootPath string, hint model.SeriesHint, reason model.ScanReason) (string, error) {
	res, err := p.Resolver.Resolve(ctx, ResolveInput{
		LibraryID: libraryID, SeriesRootPath: seriesRootPath, Hint: hint, Reason: reason,
	})
	if err != nil {
		return "", err
	}
	return res.SeriesID, nil
}

func (p Port) GetState(libraryID, seriesRootPath string) (model.SeriesState, bool, error) {
	return p.Resolver.GetState(libraryID, seriesRootPath)
}

func (p Port) MarkFailed(libraryID, seriesRootPath, reason string) error {
	return p.Resolver.MarkFailed(libraryID, seriesRootPath, reason)
}
