package archive

import (
	"crypto/sha256"
	"fmt"
	"unicode/utf8"
)

// PrivacyFilter masks listing records before they leave the server. The
// zero value is a no-op filter.
type PrivacyFilter struct {
	// QueryPreviewLen truncates queries to this many runes; 0 keeps them.
	QueryPreviewLen int
	MaskQueries     bool
	MaskSessionIDs  bool
	// HiddenStatuses drops records whose status is listed.
	HiddenStatuses []string
}

// IsAllowed reports whether a record with the given status is listed.
func (f *PrivacyFilter) IsAllowed(status string) bool {
	for _, s := range f.HiddenStatuses {
		if s == status {
			return false
		}
	}
	return true
}

// Apply returns a masked copy; the original is never modified.
func (f *PrivacyFilter) Apply(r Record) Record {
	if f.MaskQueries && r.Query != "" {
		r.Query = ""
	} else if f.QueryPreviewLen > 0 && utf8.RuneCountInString(r.Query) > f.QueryPreviewLen {
		runes := []rune(r.Query)
		r.Query = string(runes[:f.QueryPreviewLen]) + "…"
	}

	if f.MaskSessionIDs && r.ID != "" {
		r.ID = shortHash(r.ID)
	}
	return r
}

// FilterSlice returns a new slice with hidden records removed and masking
// applied to the rest.
func (f *PrivacyFilter) FilterSlice(records []Record) []Record {
	result := make([]Record, 0, len(records))
	for _, r := range records {
		if !f.IsAllowed(r.Status) {
			continue
		}
		result = append(result, f.Apply(r))
	}
	return result
}

// IsNoop reports whether the filter changes nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskQueries && !f.MaskSessionIDs && f.QueryPreviewLen == 0 && len(f.HiddenStatuses) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
