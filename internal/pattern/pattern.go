// Package pattern defines the KATO data model: events, learned patterns,
// and the deterministic identity scheme.
//
// DESIGN: A pattern's identity is a pure function of its event sequence.
// Canonical serialization joins the symbols of an event with 0x1F (unit
// separator) and events with 0x1E (record separator), then takes the SHA1
// hex digest. Identical event sequences therefore hash identically across
// sessions, processes, and hosts.
//
// FILES:
//   - pattern.go:  Event, Pattern, identity, canonical serialization
//   - emotives.go: emotive profile windows and aggregation
//   - metadata.go: metadata set-union accumulators
package pattern

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// Separator bytes for canonical serialization. Symbols must never contain
// either byte; validation in the observation pipeline enforces this.
const (
	SymbolSeparator = "\x1f"
	EventSeparator  = "\x1e"
)

// VectorSymbolPrefix marks symbols produced by vector binding. Vector
// symbols sort ahead of string symbols within an event by construction:
// the pipeline emits them first and never reorders them.
const VectorSymbolPrefix = "VCTR|"

// DisplayPrefix is prepended to identities in API responses. Internal
// storage uses the bare 40-hex digest.
const DisplayPrefix = "PTRN|"

// Event is one observation flattened to a sorted symbol list: bound vector
// symbols first (in arrival order), then string tokens in ascending
// codepoint order.
type Event []string

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	copy(out, e)
	return out
}

// Symbols returns the event's symbols. Provided for readability at call
// sites that treat an Event as opaque.
func (e Event) Symbols() []string { return e }

// CloneEvents deep-copies an event sequence. Learned patterns must not
// alias the session's live STM.
func CloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// NewStringEvent builds an event from string tokens only, sorted ascending.
// Used heavily by tests and the observation pipeline.
func NewStringEvent(tokens ...string) Event {
	e := make(Event, len(tokens))
	copy(e, tokens)
	sort.Strings(e)
	return e
}

// Serialize produces the canonical byte form of an event sequence.
func Serialize(events []Event) []byte {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = strings.Join(e, SymbolSeparator)
	}
	return []byte(strings.Join(parts, EventSeparator))
}

// Identity computes the deterministic 40-hex identity of an event sequence.
func Identity(events []Event) string {
	sum := sha1.Sum(Serialize(events))
	return hex.EncodeToString(sum[:])
}

// DisplayName formats an identity for API responses.
func DisplayName(identity string) string {
	return DisplayPrefix + identity
}

// StripDisplayName accepts either the bare digest or the display form and
// returns the bare digest.
func StripDisplayName(name string) string {
	return strings.TrimPrefix(name, DisplayPrefix)
}

// IsVectorSymbol reports whether a symbol came from vector binding.
func IsVectorSymbol(sym string) bool {
	return strings.HasPrefix(sym, VectorSymbolPrefix)
}

// Pattern is a durable learned sequence. Events and identity are immutable
// once written; frequency, the emotive profile, and the metadata
// accumulator merge on re-learn.
type Pattern struct {
	Identity            string               `json:"identity"`
	KBID                string               `json:"kb_id"`
	Events              []Event              `json:"events"`
	Length              int                  `json:"length"`
	Frequency           int                  `json:"frequency"`
	EmotiveProfile      []map[string]float64 `json:"emotive_profile"`
	MetadataAccumulator map[string][]any     `json:"metadata"`
}

// New builds a pattern from a learned event sequence. The caller supplies
// the per-learn emotive aggregate and metadata union (one entry each).
func New(kbID string, events []Event, emotives map[string]float64, metadata map[string][]any) *Pattern {
	cloned := CloneEvents(events)
	p := &Pattern{
		Identity:            Identity(cloned),
		KBID:                kbID,
		Events:              cloned,
		Length:              len(cloned),
		Frequency:           1,
		MetadataAccumulator: map[string][]any{},
	}
	if len(emotives) > 0 {
		p.EmotiveProfile = []map[string]float64{cloneEmotives(emotives)}
	}
	for k, vals := range metadata {
		p.MetadataAccumulator[k] = UnionValues(nil, vals)
	}
	return p
}

// Merge folds a re-learn of the same sequence into the stored pattern:
// frequency increments, the emotive profile gains one entry bounded by
// persistence (oldest dropped), metadata values union per key.
func (p *Pattern) Merge(other *Pattern, persistence int) {
	p.Frequency += other.Frequency
	for _, em := range other.EmotiveProfile {
		p.EmotiveProfile = append(p.EmotiveProfile, cloneEmotives(em))
	}
	if persistence > 0 && len(p.EmotiveProfile) > persistence {
		p.EmotiveProfile = p.EmotiveProfile[len(p.EmotiveProfile)-persistence:]
	}
	if p.MetadataAccumulator == nil {
		p.MetadataAccumulator = map[string][]any{}
	}
	for k, vals := range other.MetadataAccumulator {
		p.MetadataAccumulator[k] = UnionValues(p.MetadataAccumulator[k], vals)
	}
}

// Clone deep-copies a pattern. Stores hand out clones so callers cannot
// mutate cached rows.
func (p *Pattern) Clone() *Pattern {
	out := &Pattern{
		Identity:  p.Identity,
		KBID:      p.KBID,
		Events:    CloneEvents(p.Events),
		Length:    p.Length,
		Frequency: p.Frequency,
	}
	for _, em := range p.EmotiveProfile {
		out.EmotiveProfile = append(out.EmotiveProfile, cloneEmotives(em))
	}
	if p.MetadataAccumulator != nil {
		out.MetadataAccumulator = make(map[string][]any, len(p.MetadataAccumulator))
		for k, vals := range p.MetadataAccumulator {
			out.MetadataAccumulator[k] = append([]any(nil), vals...)
		}
	}
	return out
}

// SymbolBag returns the multiset of symbols across all events.
func (p *Pattern) SymbolBag() map[string]int {
	return SymbolBag(p.Events)
}

// SymbolBag flattens an event sequence into a symbol multiset.
func SymbolBag(events []Event) map[string]int {
	bag := make(map[string]int)
	for _, e := range events {
		for _, sym := range e {
			bag[sym]++
		}
	}
	return bag
}

func cloneEmotives(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
