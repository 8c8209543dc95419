package repository

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/driftmock/driftmock/internal/fsutil"
	"github.com/driftmock/driftmock/internal/metrics"
	"github.com/driftmock/driftmock/internal/models"
)

// MaterializedImposter is the fully composed view of an imposter: its
// header (protocol config, opaque Extra) plus stubs with responses read
// back off disk — the result of ImposterRepository.Get, per spec §4.3.
type MaterializedImposter struct {
	Header *models.ImposterHeader
	Stubs  []models.MaterializedStub
}

// ImposterRepository is the root repository: it locates an imposter
// directory from its port and holds the process-local table of shutdown
// hooks for running listeners (spec §4.3).
type ImposterRepository struct {
	datadir string

	mu    sync.Mutex
	stops map[int]func()
}

// NewImposterRepository creates datadir on demand and returns a repository
// rooted there.
func NewImposterRepository(datadir string) (*ImposterRepository, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, classify("create datadir", err)
	}
	return &ImposterRepository{datadir: datadir, stops: make(map[int]func())}, nil
}

func (r *ImposterRepository) imposterDir(port int) string {
	return filepath.Join(r.datadir, strconv.Itoa(port))
}

func (r *ImposterRepository) headerPath(port int) string {
	return filepath.Join(r.imposterDir(port), "imposter.json")
}

// StubsFor returns a stub repository bound to {datadir}/{id}.
func (r *ImposterRepository) StubsFor(id int) *StubRepository {
	return NewStubRepository(r.imposterDir(id))
}

// Add merges imposter's config fields into the header at imposter.Port
// (tolerating absence — stubs may have been added before the imposter
// itself, per spec §9 Design Notes), preserving whatever stubs are
// already there, strips any "requests" field, and records stop in the
// handle table. The header read-modify-write is lock-guarded per spec
// §5, the same way StubRepository's is, so this can't race a concurrent
// stub mutation on the same imposter.
func (r *ImposterRepository) Add(imposter *models.ImposterHeader, stop func()) error {
	stubRepo := r.StubsFor(imposter.Port)

	err := fsutil.LockedReadModifyWrite(stubRepo.headerPath(), func(existing models.ImposterHeader, exists bool) (models.ImposterHeader, error) {
		merged := *imposter
		if exists {
			merged.Stubs = existing.Stubs
		} else {
			merged.Stubs = []models.StubHeaderEntry{}
		}
		merged.Extra = make(map[string]json.RawMessage, len(imposter.Extra))
		for k, v := range imposter.Extra {
			if k == "requests" {
				continue
			}
			merged.Extra[k] = v
		}
		return merged, nil
	})
	if err != nil {
		return classify("write imposter header", err)
	}

	r.mu.Lock()
	r.stops[imposter.Port] = stop
	metrics.SetImpostersCount(len(r.stops))
	r.mu.Unlock()
	return nil
}

// Get composes the header at id with StubsFor(id).ToJSON() into a fully
// materialized imposter. Absence of the header is reported via
// exists=false, not an error.
func (r *ImposterRepository) Get(id int) (*MaterializedImposter, bool, error) {
	var header models.ImposterHeader
	exists, err := fsutil.ReadJSON(r.headerPath(id), &header)
	if err != nil {
		return nil, false, classify("read imposter header", err)
	}
	if !exists {
		return nil, false, nil
	}

	stubs, err := r.StubsFor(id).ToJSON()
	if err != nil {
		return nil, false, err
	}

	return &MaterializedImposter{Header: &header, Stubs: stubs}, true, nil
}

// All materializes every imposter in the handle table, in parallel.
func (r *ImposterRepository) All() ([]*MaterializedImposter, error) {
	r.mu.Lock()
	ports := make([]int, 0, len(r.stops))
	for port := range r.stops {
		ports = append(ports, port)
	}
	r.mu.Unlock()

	results := make([]*MaterializedImposter, len(ports))
	errs := make([]error, len(ports))

	var wg sync.WaitGroup
	wg.Add(len(ports))
	for i, port := range ports {
		go func(i, port int) {
			defer wg.Done()
			imp, exists, err := r.Get(port)
			if err != nil {
				errs[i] = err
				return
			}
			if exists {
				results[i] = imp
			}
		}(i, port)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	out := make([]*MaterializedImposter, 0, len(results))
	for _, imp := range results {
		if imp != nil {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.Port < out[j].Header.Port })
	return out, nil
}

// Exists reports membership in the in-memory handle table.
func (r *ImposterRepository) Exists(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stops[port]
	return ok
}

// Del materializes the imposter for the return value, invokes and clears
// its stop hook, then removes its directory.
func (r *ImposterRepository) Del(port int) (*MaterializedImposter, error) {
	imp, exists, err := r.Get(port)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	stop, had := r.stops[port]
	delete(r.stops, port)
	count := len(r.stops)
	r.mu.Unlock()

	if had && stop != nil {
		stop()
	}

	if err := fsutil.Remove(r.imposterDir(port)); err != nil {
		return nil, classify("remove imposter directory", err)
	}

	metrics.SetImpostersCount(count)
	metrics.RemoveImposterMetrics(strconv.Itoa(port))

	if !exists {
		return nil, nil
	}
	return imp, nil
}

// DeleteAll invokes every stop hook concurrently, then removes the entire
// data directory.
func (r *ImposterRepository) DeleteAll() error {
	stops := r.drainStops()

	var wg sync.WaitGroup
	wg.Add(len(stops))
	for _, stop := range stops {
		go func(stop func()) {
			defer wg.Done()
			stop()
		}(stop)
	}
	wg.Wait()

	metrics.SetImpostersCount(0)
	return classify("remove datadir", fsutil.Remove(r.datadir))
}

// StopAll invokes every stop hook concurrently and clears the handle
// table, but leaves the data directory untouched. Used for a graceful
// process exit that should leave persisted imposters in place for the
// next startup's LoadImposters to pick back up.
func (r *ImposterRepository) StopAll() {
	stops := r.drainStops()

	var wg sync.WaitGroup
	wg.Add(len(stops))
	for _, stop := range stops {
		go func(stop func()) {
			defer wg.Done()
			stop()
		}(stop)
	}
	wg.Wait()
	metrics.SetImpostersCount(0)
}

// DeleteAllSync is the synchronous variant of DeleteAll, for process
// shutdown.
func (r *ImposterRepository) DeleteAllSync() error {
	stops := r.drainStops()
	for _, stop := range stops {
		stop()
	}
	metrics.SetImpostersCount(0)
	return classify("remove datadir", fsutil.Remove(r.datadir))
}

func (r *ImposterRepository) drainStops() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	stops := make([]func(), 0, len(r.stops))
	for _, stop := range r.stops {
		if stop != nil {
			stops = append(stops, stop)
		}
	}
	r.stops = make(map[int]func())
	return stops
}
