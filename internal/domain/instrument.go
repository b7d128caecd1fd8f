package domain

import "strings"

// PairID converts an exchange pair name ("XBT/USD") into the id used in
// file names and cache tags ("xbt_usd").
func PairID(instrument string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(instrument)), "/", "_")
}

// ValidInstrument reports whether the name can be stored.
func ValidInstrument(instrument string) bool {
	id := PairID(instrument)
	if id == "" || strings.ContainsAny(id, `\. `) {
		return false
	}
	return true
}
