// Package identity confirms that retrieved sources describe the same
// real-world vessel the user asked about, using identifier extraction and
// weighted matching rules.
package identity

import (
	"regexp"
	"strings"
)

// IdentifierKind names one identifier family.
type IdentifierKind string

const (
	KindIMO      IdentifierKind = "imo"
	KindMMSI     IdentifierKind = "mmsi"
	KindCallSign IdentifierKind = "call_sign"
	KindName     IdentifierKind = "name"
)

// Identifiers are the vessel identifiers extracted from free text. Empty
// fields mean the identifier was not found.
type Identifiers struct {
	Name     string `json:"name,omitempty"`
	IMO      string `json:"imo,omitempty"`
	MMSI     string `json:"mmsi,omitempty"`
	CallSign string `json:"call_sign,omitempty"`
}

// Empty reports whether no identifier of any kind was extracted.
func (id Identifiers) Empty() bool {
	return id.Name == "" && id.IMO == "" && id.MMSI == "" && id.CallSign == ""
}

// Each pattern family is a named, independently tested function so the rule
// set stays swappable.
var (
	// A 7-digit IMO number preceded by its label, e.g. "IMO 9321483" or
	// "IMO: 9321483".
	imoPattern = regexp.MustCompile(`(?i)\bIMO(?:\s+number)?[\s:#]*(\d{7})\b`)

	// A 9-digit MMSI preceded by its label.
	mmsiPattern = regexp.MustCompile(`(?i)\bMMSI[\s:#]*(\d{9})\b`)

	// An alphanumeric call sign preceded by its label, e.g. "call sign 9HA2329".
	callSignPattern = regexp.MustCompile(`(?i)\bcall\s*sign[\s:#]*([A-Z0-9]{3,7})\b`)

	// A quoted vessel name, e.g. `"Ever Given"`.
	quotedNamePattern = regexp.MustCompile(`["\x60']([A-Z][A-Za-z0-9 .\-]{2,40})["\x60']`)

	// A prefixed or bare proper-noun pair, e.g. "MV Ever Given" or
	// "Ever Given". Best-effort fallback.
	prefixedNamePattern = regexp.MustCompile(`\b(?:MV|MT|MS|SS|FV|RV)\s+([A-Z][A-Za-z0-9\-]+(?:\s+[A-Z][A-Za-z0-9\-]+){0,2})\b`)
	properPairPattern   = regexp.MustCompile(`\b([A-Z][a-z0-9\-]+\s+[A-Z][a-z0-9\-]+)\b`)
)

// ExtractIMO returns the first labeled 7-digit registry number in text.
func ExtractIMO(text string) string {
	if m := imoPattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

// ExtractMMSI returns the first labeled 9-digit maritime station number.
func ExtractMMSI(text string) string {
	if m := mmsiPattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

// ExtractCallSign returns the first labeled call-sign token, uppercased.
func ExtractCallSign(text string) string {
	if m := callSignPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ExtractName returns a best-effort vessel name: a quoted name, a prefixed
// name ("MV Ever Given"), or a bare capitalized pair, in that order.
func ExtractName(text string) string {
	if m := quotedNamePattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := prefixedNamePattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := properPairPattern.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// Extract pulls all identifier families from text.
func Extract(text string) Identifiers {
	return Identifiers{
		Name:     ExtractName(text),
		IMO:      ExtractIMO(text),
		MMSI:     ExtractMMSI(text),
		CallSign: ExtractCallSign(text),
	}
}

// normalizeName lowercases a vessel name and strips hull-type prefixes so
// "MV Ever Given" matches "ever given".
func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"mv ", "mt ", "ms ", "ss ", "fv ", "rv "} {
		n = strings.TrimPrefix(n, prefix)
	}
	return strings.Join(strings.Fields(n), " ")
}
