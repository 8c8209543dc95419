// Package repository implements the filesystem-backed imposter/stub
// store: StubRepository (spec §4.2), ImposterRepository (spec §4.3), and
// the FS primitives they're built on (internal/fsutil, spec §4.1).
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftmock/driftmock/internal/fsutil"
	"github.com/driftmock/driftmock/internal/metrics"
	"github.com/driftmock/driftmock/internal/models"
)

// PredicateFilter decides whether a stub's opaque predicates satisfy a
// caller's match criteria. The repository never interprets predicates
// itself (spec §1) — it only invokes the filter a caller supplies to
// First.
type PredicateFilter func(predicates json.RawMessage) (bool, error)

// StubRepository mediates all stub/response/request I/O for a single
// imposter directory, per spec §4.2.
type StubRepository struct {
	imposterDir string
	counter     int64
}

// NewStubRepository binds a StubRepository to an imposter's directory.
// The directory need not exist yet; it is created on first write (spec
// §3, Lifecycle).
func NewStubRepository(imposterDir string) *StubRepository {
	return &StubRepository{imposterDir: imposterDir}
}

func (r *StubRepository) headerPath() string   { return filepath.Join(r.imposterDir, "imposter.json") }
func (r *StubRepository) stubsDir() string     { return filepath.Join(r.imposterDir, "stubs") }
func (r *StubRepository) requestsDir() string  { return filepath.Join(r.imposterDir, "requests") }
func (r *StubRepository) port() string         { return filepath.Base(r.imposterDir) }

// readHeader reads imposter.json, substituting {stubs: []} when absent
// rather than treating absence as an error (spec §9, Design Notes).
func (r *StubRepository) readHeader() (*models.ImposterHeader, error) {
	var header models.ImposterHeader
	exists, err := fsutil.ReadJSON(r.headerPath(), &header)
	if err != nil {
		return nil, classify("read imposter header", err)
	}
	if !exists {
		return models.NewImposterHeader(0), nil
	}
	return &header, nil
}

func (r *StubRepository) writeHeader(header *models.ImposterHeader) error {
	return classify("write imposter header", fsutil.WriteJSON(r.headerPath(), header))
}

// Count returns the number of stubs in the header, 0 if the header is
// absent.
func (r *StubRepository) Count() (int, error) {
	header, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	return len(header.Stubs), nil
}

// First walks stubs from startIndex forward, returning the first whose
// predicates satisfy filter as a stub handle. If none matches, it returns
// success=false and an empty handle whose NextResponse yields a canonical
// empty response and whose mutators are no-ops.
func (r *StubRepository) First(filter PredicateFilter, startIndex int) (bool, *StubHandle, error) {
	header, err := r.readHeader()
	if err != nil {
		return false, nil, err
	}

	for i := startIndex; i < len(header.Stubs); i++ {
		entry := header.Stubs[i]
		ok, err := filter(entry.Predicates)
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, &StubHandle{
				repo:       r,
				predicates: entry.Predicates,
				dirRel:     entry.Meta.Dir,
				stubDir:    filepath.Join(r.imposterDir, entry.Meta.Dir),
			}, nil
		}
	}

	return false, &StubHandle{repo: r}, nil
}

// Add is equivalent to InsertAtIndex(stub, +infinity).
func (r *StubRepository) Add(stub models.StubDefinition) error {
	return r.InsertAtIndex(stub, math.MaxInt)
}

// InsertAtIndex allocates a fresh, never-reused stub directory, writes its
// responses and meta.json, then splices the new header entry into
// imposter.json at index (clamped to the current length). The header
// read-modify-write is lock-guarded per spec §5, so two concurrent inserts
// on the same imposter can't clobber each other's header entry.
func (r *StubRepository) InsertAtIndex(stub models.StubDefinition, index int) error {
	existingDirs, err := fsutil.ListNames(r.stubsDir())
	if err != nil {
		return classify("list stub directories", err)
	}
	dirRel := fsutil.Next(existingDirs, "stubs/${index}")
	stubDir := filepath.Join(r.imposterDir, dirRel)

	meta := models.StubMeta{
		ResponseFiles:    []string{},
		OrderWithRepeats: []int{},
		NextIndex:        0,
	}

	for i, resp := range stub.Responses {
		respPath := fmt.Sprintf("responses/%d.json", i)
		meta.ResponseFiles = append(meta.ResponseFiles, respPath)

		repeat := models.ResponseRepeat(resp)
		for k := 0; k < repeat; k++ {
			meta.OrderWithRepeats = append(meta.OrderWithRepeats, i)
		}

		if err := fsutil.WriteJSON(filepath.Join(stubDir, respPath), resp); err != nil {
			return classify("write response", err)
		}
	}

	if err := fsutil.WriteJSON(filepath.Join(stubDir, "meta.json"), meta); err != nil {
		return classify("write stub meta", err)
	}

	entry := models.StubHeaderEntry{
		Predicates: stub.Predicates,
		Meta:       models.StubMetaRef{Dir: dirRel},
	}

	var stubCount int
	err = fsutil.LockedReadModifyWrite(r.headerPath(), func(header models.ImposterHeader, exists bool) (models.ImposterHeader, error) {
		if !exists {
			header = *models.NewImposterHeader(0)
		}
		header.Stubs = spliceStubEntry(header.Stubs, entry, index)
		stubCount = len(header.Stubs)
		return header, nil
	})
	if err != nil {
		return classify("write imposter header", err)
	}
	metrics.SetStubsCount(r.port(), stubCount)
	return nil
}

func spliceStubEntry(stubs []models.StubHeaderEntry, entry models.StubHeaderEntry, index int) []models.StubHeaderEntry {
	if index < 0 {
		index = 0
	}
	if index > len(stubs) {
		index = len(stubs)
	}
	out := make([]models.StubHeaderEntry, 0, len(stubs)+1)
	out = append(out, stubs[:index]...)
	out = append(out, entry)
	out = append(out, stubs[index:]...)
	return out
}

// DeleteAtIndex removes a stub's directory and its header entry. The
// directory is removed before the header is rewritten, per spec §4.2's
// crash-consistency note. The header read-modify-write is lock-guarded per
// spec §5.
func (r *StubRepository) DeleteAtIndex(index int) error {
	var stubCount int
	err := fsutil.LockedReadModifyWrite(r.headerPath(), func(header models.ImposterHeader, exists bool) (models.ImposterHeader, error) {
		if !exists {
			header = *models.NewImposterHeader(0)
		}
		if index < 0 || index >= len(header.Stubs) {
			return header, &MissingResourceError{Resource: "stub", Index: index}
		}

		stubDir := filepath.Join(r.imposterDir, header.Stubs[index].Meta.Dir)
		if err := fsutil.Remove(stubDir); err != nil {
			return header, classify("remove stub directory", err)
		}

		header.Stubs = append(append([]models.StubHeaderEntry{}, header.Stubs[:index]...), header.Stubs[index+1:]...)
		stubCount = len(header.Stubs)
		return header, nil
	})
	if err != nil {
		var missing *MissingResourceError
		if errors.As(err, &missing) {
			return missing
		}
		return classify("write imposter header", err)
	}
	metrics.SetStubsCount(r.port(), stubCount)
	return nil
}

// OverwriteAtIndex is DeleteAtIndex(index) followed by
// InsertAtIndex(stub, index), non-atomic by design (spec §4.2).
func (r *StubRepository) OverwriteAtIndex(stub models.StubDefinition, index int) error {
	if err := r.DeleteAtIndex(index); err != nil {
		return err
	}
	return r.InsertAtIndex(stub, index)
}

// OverwriteAll clears the stub list (removing the entire stubs/ subtree
// and rewriting the header in parallel), then sequentially re-adds each
// new stub so directory-name allocation remains collision-free. See spec
// §4.2 and the Open Question in §9 about the parallel remove/rewrite.
func (r *StubRepository) OverwriteAll(newStubs []models.StubDefinition) error {
	var wg sync.WaitGroup
	var removeErr, writeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		removeErr = classify("remove stubs subtree", fsutil.Remove(r.stubsDir()))
	}()
	go func() {
		defer wg.Done()
		writeErr = classify("write imposter header", fsutil.LockedReadModifyWrite(r.headerPath(), func(header models.ImposterHeader, exists bool) (models.ImposterHeader, error) {
			if !exists {
				header = *models.NewImposterHeader(0)
			}
			header.Stubs = []models.StubHeaderEntry{}
			return header, nil
		}))
	}()
	wg.Wait()

	if removeErr != nil {
		return removeErr
	}
	if writeErr != nil {
		return writeErr
	}

	for _, stub := range newStubs {
		if err := r.Add(stub); err != nil {
			return err
		}
	}
	return nil
}

// TornStateError is raised by ToJSON when a stub's header entry survives
// but its meta.json is missing — a bug signal, not a normal absence (spec
// §4.2: "propagate (signals a torn state bug)").
type TornStateError struct {
	Dir string
}

func (e *TornStateError) Error() string {
	return fmt.Sprintf("meta.json missing for stub at %s (torn state)", e.Dir)
}

// ToJSON materializes every stub's predicates and responses by reading
// its meta.json and each referenced response file off disk.
func (r *StubRepository) ToJSON() ([]models.MaterializedStub, error) {
	header, err := r.readHeader()
	if err != nil {
		return nil, err
	}

	result := make([]models.MaterializedStub, 0, len(header.Stubs))
	for _, entry := range header.Stubs {
		stubDir := filepath.Join(r.imposterDir, entry.Meta.Dir)

		var meta models.StubMeta
		exists, err := fsutil.ReadJSON(filepath.Join(stubDir, "meta.json"), &meta)
		if err != nil {
			return nil, classify("read stub meta", err)
		}
		if !exists {
			return nil, &TornStateError{Dir: stubDir}
		}

		responses := make([]json.RawMessage, 0, len(meta.ResponseFiles))
		for _, respFile := range meta.ResponseFiles {
			var resp json.RawMessage
			exists, err := fsutil.ReadJSON(filepath.Join(stubDir, respFile), &resp)
			if err != nil {
				return nil, classify("read response", err)
			}
			if !exists {
				return nil, &TornStateError{Dir: stubDir}
			}
			responses = append(responses, resp)
		}

		result = append(result, models.MaterializedStub{
			Predicates: entry.Predicates,
			Responses:  responses,
		})
	}
	return result, nil
}

// AddRequest clones request, overwrites its timestamp with the current
// time, and writes it under requests/ with a filename unique within the
// data directory across all writer processes. No locking (spec §4.2).
func (r *StubRepository) AddRequest(request json.RawMessage) error {
	ts := time.Now().Format(time.RFC3339Nano)
	stamped, err := models.WithTimestamp(request, ts)
	if err != nil {
		return classify("stamp request", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return classify("parse stamped timestamp", err)
	}
	epoch := parsed.UnixMilli()
	counter := atomic.AddInt64(&r.counter, 1)
	filename := fmt.Sprintf("%d-%d-%d.json", epoch, os.Getpid(), counter)

	return classify("write request", fsutil.WriteJSON(filepath.Join(r.requestsDir(), filename), stamped))
}

// ClearRequests removes every request recorded under requests/.
func (r *StubRepository) ClearRequests() error {
	return classify("clear requests", fsutil.Remove(r.requestsDir()))
}

// LoadRequests returns every recorded request, sorted ascending by
// (epoch, pid, counter).
func (r *StubRepository) LoadRequests() ([]json.RawMessage, error) {
	requests, err := fsutil.LoadAllInDir[json.RawMessage](r.requestsDir())
	if err != nil {
		return nil, classify("load requests", err)
	}
	return requests, nil
}

// DeleteSavedProxyResponses drops every response whose is._proxyResponseTime
// is set, drops stubs left with zero responses, then rewrites the stub
// list via OverwriteAll.
func (r *StubRepository) DeleteSavedProxyResponses() error {
	stubs, err := r.ToJSON()
	if err != nil {
		return err
	}

	filtered := make([]models.StubDefinition, 0, len(stubs))
	for _, s := range stubs {
		kept := make([]json.RawMessage, 0, len(s.Responses))
		for _, resp := range s.Responses {
			if !models.ResponseHasProxyTime(resp) {
				kept = append(kept, resp)
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, models.StubDefinition{Predicates: s.Predicates, Responses: kept})
	}

	return r.OverwriteAll(filtered)
}
