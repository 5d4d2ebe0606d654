// Package series implements the Series Resolver (§4.9): the sole writer
// of per (library, series root path) Series State, backed by
// github.com/dgraph-io/badger/v4 — chosen over bbolt for this store
// because many dispatcher goroutines discover and resolve series roots
// concurrently during a bulk scan, and Badger tolerates concurrent
// writers where bbolt serializes them behind a single write lock.
package series

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
)

// Candidate is one remote-catalog match considered by Resolve. Score is
// caller-supplied (typically title-similarity * year-proximity); the
// highest-scoring candidate above MinScore wins.
type Candidate struct {
	SeriesID string
	Title    string
	Year     int
	Score    float64
}

// Catalog is the remote lookup port the resolver queries for candidates.
// Implementations may hit a metadata provider; tests can stub it.
type Catalog interface {
	Search(ctx context.Context, hint model.SeriesHint) ([]Candidate, error)
}

// MinScore is the lowest candidate score accepted as a confident match;
// below this, Resolve falls back to the deterministic slug stub rather
// than risk a wrong series identity.
const MinScore = 0.72

// Resolver is the sole writer of Series State.
type Resolver struct {
	db      *badger.DB
	catalog Catalog
}

// Open opens (creating if needed) the badger store at dir.
func Open(dir string, catalog Catalog) (*Resolver, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("series: open: %w", err)
	}
	return &Resolver{db: db, catalog: catalog}, nil
}

// Close releases the underlying database handle.
func (r *Resolver) Close() error {
	return r.db.Close()
}

func seriesKey(libraryID, seriesRootPath string) []byte {
	return []byte(libraryID + "\x00" + seriesRootPath)
}

// ResolveInput carries the folder name, hint, and reason a caller passes
// to Resolve; it mirrors the FolderScan/SeriesResolve job payload.
type ResolveInput struct {
	LibraryID      string
	SeriesRootPath string
	Hint           model.SeriesHint
	Reason         model.ScanReason
}

// Result is what Resolve hands back to the dispatcher: the chosen series
// reference plus whether it came from the catalog or the stub fallback.
type Result struct {
	SeriesID string
	Stub     bool
}

// Resolve looks up (or creates) Series State for the given root, marks it
// Resolving, queries the catalog, and settles on a resolved series
// reference — either the best-scoring candidate or a deterministic
// slug-based stub when nothing scores above MinScore.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (Result, error) {
	logger := log.WithComponent("series_resolver")

	if err := r.setState(in.LibraryID, in.SeriesRootPath, func(s *model.SeriesState) {
		s.Status = model.SeriesResolving
		s.Hint = in.Hint
	}); err != nil {
		return Result{}, err
	}

	var candidates []Candidate
	if r.catalog != nil {
		var err error
		candidates, err = r.catalog.Search(ctx, in.Hint)
		if err != nil {
			logger.Warn().Err(err).Str("series_root", in.SeriesRootPath).Msg("catalog search failed, falling back to stub")
		}
	}

	best, ok := bestCandidate(candidates)
	result := Result{}
	if ok && best.Score >= MinScore {
		result = Result{SeriesID: best.SeriesID}
	} else {
		result = Result{SeriesID: slugStub(in.Hint), Stub: true}
	}

	if err := r.setState(in.LibraryID, in.SeriesRootPath, func(s *model.SeriesState) {
		s.Status = model.SeriesResolved
		s.ResolvedSeriesID = result.SeriesID
	}); err != nil {
		return Result{}, err
	}

	return result, nil
}

func bestCandidate(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !found || c.Score > best.Score {
			best = c
			found = true
		}
	}
	return best, found
}

// MarkFailed records a terminal failure for the root without a resolved
// series reference; episode-match jobs gated on this root should
// dead-letter rather than wait indefinitely.
func (r *Resolver) MarkFailed(libraryID, seriesRootPath, reason string) error {
	return r.setState(libraryID, seriesRootPath, func(s *model.SeriesState) {
		s.Status = model.SeriesFailed
		s.FailureReason = reason
	})
}

// GetState returns the current Series State for the root, if any.
func (r *Resolver) GetState(libraryID, seriesRootPath string) (model.SeriesState, bool, error) {
	var state model.SeriesState
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seriesKey(libraryID, seriesRootPath))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if err != nil {
		return model.SeriesState{}, false, fmt.Errorf("series: get state: %w", err)
	}
	return state, found, nil
}

func (r *Resolver) setState(libraryID, seriesRootPath string, mutate func(*model.SeriesState)) error {
	key := seriesKey(libraryID, seriesRootPath)
	return r.db.Update(func(txn *badger.Txn) error {
		state := model.SeriesState{LibraryID: libraryID, SeriesRootPath: seriesRootPath, Status: model.SeriesDiscovered}
		item, err := txn.Get(key)
		if err == nil {
			if verr := item.Value(func(val []byte) error { return json.Unmarshal(val, &state) }); verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		mutate(&state)
		raw, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
}

var nonAlnumRun = regexp.MustCompile(`-+`)

// diacriticFold decomposes a string to NFD, drops the combining marks that
// decomposition exposes, then recomposes to NFC — the standard x/text
// recipe for folding accented letters to their plain-letter base, the same
// family of normalization the teacher's epg.normalize() applies via
// unicode/norm before matching or slugging a title.
var diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldDiacritics(s string) string {
	folded, _, err := transform.String(diacriticFold, s)
	if err != nil {
		return s
	}
	return folded
}

// slugStub derives a deterministic series identity from the folder hint
// alone, used when no catalog candidate is confident enough. It is stable
// across resolver runs for the same title, so repeated resolution of an
// unmatched series never changes its assigned identity.
func slugStub(hint model.SeriesHint) string {
	title := hint.Title
	if title == "" {
		title = hint.Slug
	}
	if title == "" {
		return "stub-unknown"
	}

	s := strings.ToLower(title)
	// ß has no NFD decomposition into a base letter plus a combining mark,
	// so it survives diacriticFold untouched and is folded separately.
	s = strings.ReplaceAll(s, "ß", "ss")
	s = foldDiacritics(s)

	var b strings.Builder
	lastDash := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	slug = nonAlnumRun.ReplaceAllString(slug, "-")
	if slug == "" {
		slug = "unknown"
	}
	if hint.Year > 0 {
		slug = fmt.Sprintf("%s-%d", slug, hint.Year)
	}
	return "stub-" + slug
}
