// Package header implements HTeaPot's header map: a case-insensitive,
// single-value string-to-string mapping that preserves the originally
// inserted casing for wire serialization.
package header

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// entry holds one header's wire-form name alongside its value.
type entry struct {
	name  string
	value string
}

// Header is a case-insensitive, single-entry-per-key map of HTTP
// header names to values. The zero value is not usable; use New.
type Header struct {
	entries map[string]entry
}

// New returns an empty Header ready for use.
func New() Header {
	return Header{entries: make(map[string]entry)}
}

func fold(key string) string {
	return strings.ToLower(key)
}

// Insert sets key to value, overwriting any previous value for a
// case-insensitively equal key. The casing of key as passed here is
// what gets written on the wire.
func (h Header) Insert(key, value string) {
	h.entries[fold(key)] = entry{name: key, value: value}
}

// Get returns the value stored for key, case-insensitively, and
// whether it was present.
func (h Header) Get(key string) (string, bool) {
	e, ok := h.entries[fold(key)]
	if !ok {
		return "", false
	}
	return e.value, true
}

// GetOr is like Get but returns def when the key is absent.
func (h Header) GetOr(key, def string) string {
	if v, ok := h.Get(key); ok {
		return v
	}
	return def
}

// Remove deletes key (case-insensitively) and returns the previous
// value, if any.
func (h Header) Remove(key string) (string, bool) {
	folded := fold(key)
	e, ok := h.entries[folded]
	if !ok {
		return "", false
	}
	delete(h.entries, folded)
	return e.value, true
}

// SetIfAbsent inserts value under key only when no value is already
// present for that key (case-insensitively). It reports whether it
// inserted. This backs the engine's "add Connection without clobbering
// the handler's choice" behavior.
func (h Header) SetIfAbsent(key, value string) bool {
	if _, ok := h.Get(key); ok {
		return false
	}
	h.Insert(key, value)
	return true
}

// Len reports the number of distinct header entries.
func (h Header) Len() int {
	return len(h.entries)
}

// Range calls fn for every header in unspecified order. Iteration
// stops early if fn returns false. Callers must not rely on ordering.
func (h Header) Range(fn func(name, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// ValidName reports whether name is a syntactically valid HTTP header
// field name (RFC 7230 token rules).
func ValidName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}

// ValidValue reports whether value contains only bytes RFC 7230
// permits in a header field value.
func ValidValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}

// ValidHost reports whether value is a syntactically valid Host
// header field value.
func ValidHost(value string) bool {
	return httpguts.ValidHostHeader(value)
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	h2 := New()
	for k, e := range h.entries {
		h2.entries[k] = e
	}
	return h2
}
