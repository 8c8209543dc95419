package repository

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/driftmock/driftmock/internal/fsutil"
	"github.com/driftmock/driftmock/internal/metrics"
	"github.com/driftmock/driftmock/internal/models"
)

// canonicalEmptyResponse is what NextResponse yields on the handle First
// returns when no stub matched (spec §4.2).
var canonicalEmptyResponse = json.RawMessage(`{}`)

// ExhaustedStubError is raised by NextResponse when a stub has zero
// entries in orderWithRepeats (no responses were ever added to it).
type ExhaustedStubError struct {
	Dir string
}

func (e *ExhaustedStubError) Error() string {
	return fmt.Sprintf("stub at %s has no responses configured", e.Dir)
}

// StubHandle is a snapshot of one stub's predicates plus operations bound
// to its directory. It remains valid across unrelated stub-list mutations
// but not across its own stub's deletion (spec §9). The zero value is the
// "empty handle" First returns when nothing matched: its mutators are
// no-ops and NextResponse yields canonicalEmptyResponse.
type StubHandle struct {
	repo       *StubRepository
	predicates json.RawMessage
	dirRel     string
	stubDir    string
}

// Predicates returns the stub's opaque predicates, nil for an empty
// handle.
func (h *StubHandle) Predicates() json.RawMessage {
	return h.predicates
}

func (h *StubHandle) metaPath() string {
	return filepath.Join(h.stubDir, "meta.json")
}

// AddResponse appends a new response to the stub: it is assigned the next
// responseFiles index and spliced into orderWithRepeats repeat(response)
// times. Not guarded by meta.json's lock (spec §4.2 / §9 Open Questions):
// concurrent proxy-recording on the same stub is expected to be
// serialized upstream.
func (h *StubHandle) AddResponse(response json.RawMessage) error {
	if h.stubDir == "" {
		return nil
	}

	var meta models.StubMeta
	if _, err := fsutil.ReadJSON(h.metaPath(), &meta); err != nil {
		return classify("read stub meta", err)
	}

	responseIndex := len(meta.ResponseFiles)
	responsePath := fmt.Sprintf("responses/%d.json", responseIndex)
	meta.ResponseFiles = append(meta.ResponseFiles, responsePath)

	repeat := models.ResponseRepeat(response)
	for i := 0; i < repeat; i++ {
		meta.OrderWithRepeats = append(meta.OrderWithRepeats, responseIndex)
	}

	if err := fsutil.WriteJSON(filepath.Join(h.stubDir, responsePath), response); err != nil {
		return classify("write response", err)
	}
	return classify("write stub meta", fsutil.WriteJSON(h.metaPath(), meta))
}

// StubIndexResolver, returned by NextResponse, lazily reports the stub's
// current position in the imposter's stub list (0 if it's no longer
// present), resolved on demand so inserts/deletes elsewhere in the list
// don't have to be tracked eagerly.
type StubIndexResolver func() (int, error)

// NextResponse advances the stub's response cycle under meta.json's lock
// and returns the resolved response along with a lazy index resolver. See
// spec §4.2.
func (h *StubHandle) NextResponse() (json.RawMessage, StubIndexResolver, error) {
	if h.stubDir == "" {
		return canonicalEmptyResponse, func() (int, error) { return 0, nil }, nil
	}

	start := time.Now()
	var responseFile string

	err := fsutil.LockedReadModifyWrite(h.metaPath(), func(meta models.StubMeta, exists bool) (models.StubMeta, error) {
		if !exists {
			return meta, &ExhaustedStubError{Dir: h.stubDir}
		}
		m := len(meta.OrderWithRepeats)
		if m == 0 {
			return meta, &ExhaustedStubError{Dir: h.stubDir}
		}

		idx := meta.OrderWithRepeats[meta.NextIndex%m]
		responseFile = meta.ResponseFiles[idx]
		meta.NextIndex = (meta.NextIndex + 1) % m
		return meta, nil
	})
	if err != nil {
		if _, ok := err.(*ExhaustedStubError); ok {
			return nil, nil, err
		}
		return nil, nil, classify("cycle stub response", err)
	}

	metrics.RecordNextResponseDuration(h.repo.port(), time.Since(start).Seconds())

	var response json.RawMessage
	exists, err := fsutil.ReadJSON(filepath.Join(h.stubDir, responseFile), &response)
	if err != nil {
		return nil, nil, classify("read response", err)
	}
	if !exists {
		return nil, nil, &TornStateError{Dir: h.stubDir}
	}

	dirRel := h.dirRel
	repo := h.repo
	resolver := func() (int, error) {
		header, err := repo.readHeader()
		if err != nil {
			return 0, err
		}
		for i, entry := range header.Stubs {
			if entry.Meta.Dir == dirRel {
				return i, nil
			}
		}
		return 0, nil
	}

	return response, resolver, nil
}

// RecordMatch is a no-op in this repository (spec §4.2): predicate-match
// debug traces are an explicit Non-goal.
func (h *StubHandle) RecordMatch() {}
