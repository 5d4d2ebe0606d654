package dispatcher

import (
	"context"

	"github.com/scanwright/scanorch/internal/model"
)

// seriesBundleKey identifies one series root's bundle-tracking state.
type seriesBundleKey struct {
	libraryID  string
	seriesRoot string
}

// seriesBundleState tracks, per series root, the episode paths discovered
// under it and which of those have reached MediaReadyForIndex, so the
// dispatcher can tell when a resolved series has nothing left pending.
// Grounded on ferrex-server's SeriesBundleTracker (scan_manager.rs): the
// original accumulates folder/media-discovery and ready/indexed signals
// per library and polls for a series whose expected episode set is fully
// ready before emitting SeriesBundleFinalized. This tracker narrows that to
// a synchronous, per-series-root equivalent driven directly off dispatch
// call sites instead of a separate polling goroutine.
type seriesBundleState struct {
	seriesID   string
	resolved   bool
	folderDone bool
	expected   map[string]struct{}
	ready      map[string]struct{}
	emitted    bool
}

func (d *Dispatcher) bundleLocked(key seriesBundleKey) *seriesBundleState {
	st, ok := d.bundles[key]
	if !ok {
		st = &seriesBundleState{expected: make(map[string]struct{}), ready: make(map[string]struct{})}
		d.bundles[key] = st
	}
	return st
}

// trackEpisodeDiscovered registers path as belonging to seriesRoot's
// episode set. Called for every analyzed episode, whether or not the
// series is resolved yet.
func (d *Dispatcher) trackEpisodeDiscovered(libraryID, seriesRoot, path string) {
	if seriesRoot == "" {
		return
	}
	d.bundlesMu.Lock()
	defer d.bundlesMu.Unlock()
	st := d.bundleLocked(seriesBundleKey{libraryID, seriesRoot})
	st.expected[path] = struct{}{}
}

// trackSeriesResolved marks seriesRoot as resolved to seriesID, and records
// the reverse mapping so later events keyed by seriesID (MetadataEnrich)
// can find their series root.
func (d *Dispatcher) trackSeriesResolved(libraryID, seriesRoot, seriesID string) {
	d.bundlesMu.Lock()
	defer d.bundlesMu.Unlock()
	st := d.bundleLocked(seriesBundleKey{libraryID, seriesRoot})
	st.resolved = true
	st.seriesID = seriesID
	d.rootBySeriesID[seriesBundleKey{libraryID: libraryID, seriesRoot: seriesID}] = seriesRoot
}

// trackFolderScanCompleted marks folderPath's bundle (if any is tracked
// under that exact path as a series root) as having finished discovery, so
// no further episodes are expected to arrive for it.
func (d *Dispatcher) trackFolderScanCompleted(libraryID, folderPath string) {
	d.bundlesMu.Lock()
	defer d.bundlesMu.Unlock()
	key := seriesBundleKey{libraryID, folderPath}
	if st, ok := d.bundles[key]; ok {
		st.folderDone = true
	}
}

// trackEpisodeReady records that path (belonging to the series identified
// by seriesID) has reached MediaReadyForIndex. It returns the series root
// the episode belongs to, if known. Before seriesID has been resolved to a
// root, the root is found as the bundle that already expects path.
func (d *Dispatcher) trackEpisodeReady(libraryID, seriesID, path string) (seriesRoot string, ok bool) {
	d.bundlesMu.Lock()
	defer d.bundlesMu.Unlock()
	seriesRoot, ok = d.rootBySeriesID[seriesBundleKey{libraryID: libraryID, seriesRoot: seriesID}]
	if !ok {
		for key, st := range d.bundles {
			if _, expected := st.expected[path]; expected && key.libraryID == libraryID {
				st.ready[path] = struct{}{}
				return key.seriesRoot, true
			}
		}
		return "", false
	}
	st := d.bundleLocked(seriesBundleKey{libraryID, seriesRoot})
	st.ready[path] = struct{}{}
	return seriesRoot, true
}

// tryEmitBundleFinalized publishes SeriesBundleFinalized for (libraryID,
// seriesRoot) exactly once, the moment the series is resolved, its folder
// discovery is done, and every expected episode has reached ready — per
// SPEC_FULL §4.4's bundle-completion requirement.
func (d *Dispatcher) tryEmitBundleFinalized(ctx context.Context, libraryID, seriesRoot, correlationID string) {
	d.bundlesMu.Lock()
	key := seriesBundleKey{libraryID, seriesRoot}
	st, ok := d.bundles[key]
	if !ok || st.emitted || !st.resolved || !st.folderDone || len(st.expected) == 0 {
		d.bundlesMu.Unlock()
		return
	}
	for path := range st.expected {
		if _, done := st.ready[path]; !done {
			d.bundlesMu.Unlock()
			return
		}
	}
	st.emitted = true
	seriesID := st.seriesID
	d.bundlesMu.Unlock()

	d.Events.PublishDomain(ctx, model.Event{
		Meta: d.meta(model.Job{LibraryID: libraryID}, correlationID, seriesRoot), Kind: model.EvSeriesBundleFinal,
		SeriesRoot: seriesRoot, SeriesID: seriesID,
	})
}
