// Package models holds the wire types shared by the repository, the
// predicate matcher, and the injection engine. The repository treats
// predicates and responses as opaque JSON (see spec §3); it only ever
// inspects a response's _behaviors.repeat field.
package models

import "encoding/json"

// StubMetaRef is the only part of a stub header entry the repository
// interprets: the stable, relative path to the stub's own directory.
type StubMetaRef struct {
	Dir string `json:"dir"`
}

// StubHeaderEntry is one element of an imposter header's "stubs" array.
type StubHeaderEntry struct {
	Predicates json.RawMessage `json:"predicates,omitempty"`
	Meta       StubMetaRef     `json:"meta"`
}

// StubMeta is the contents of a stub directory's meta.json.
type StubMeta struct {
	ResponseFiles    []string `json:"responseFiles"`
	OrderWithRepeats []int    `json:"orderWithRepeats"`
	NextIndex        int      `json:"nextIndex"`
}

// StubDefinition is the input shape for Add/InsertAtIndex/OverwriteAtIndex:
// predicates and responses as supplied by a caller, before any directory or
// index has been assigned.
type StubDefinition struct {
	Predicates json.RawMessage   `json:"predicates,omitempty"`
	Responses  []json.RawMessage `json:"responses,omitempty"`
}

// MaterializedStub is the output shape of StubRepository.ToJSON: a stub's
// predicates plus its responses read back off disk, with meta stripped.
type MaterializedStub struct {
	Predicates json.RawMessage   `json:"predicates,omitempty"`
	Responses  []json.RawMessage `json:"responses"`
}

type responseBehaviors struct {
	Repeat int `json:"repeat,omitempty"`
}

type responseEnvelope struct {
	Behaviors *responseBehaviors `json:"_behaviors,omitempty"`
}

// ResponseRepeat extracts _behaviors.repeat from an opaque response
// document, defaulting to 1 as spec §3 requires. Malformed JSON or a
// repeat < 1 both fall back to 1 rather than erroring, since this is a
// best-effort peek at an otherwise opaque value.
func ResponseRepeat(raw json.RawMessage) int {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 1
	}
	if env.Behaviors == nil || env.Behaviors.Repeat < 1 {
		return 1
	}
	return env.Behaviors.Repeat
}

type proxyTimeEnvelope struct {
	Is *struct {
		ProxyResponseTime *float64 `json:"_proxyResponseTime,omitempty"`
	} `json:"is,omitempty"`
}

// ResponseHasProxyTime reports whether a response's is._proxyResponseTime
// is set, marking it as a recorded proxy response (see
// deleteSavedProxyResponses in spec §4.2).
func ResponseHasProxyTime(raw json.RawMessage) bool {
	var env proxyTimeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.Is != nil && env.Is.ProxyResponseTime != nil
}
