package grid

import "strings"

// ComputedAtSuffix marks the timestamp companion key written next to every
// computed cell value.
const ComputedAtSuffix = "_computed_at"

// SanitizeRowData keeps only keys present in validFieldIDs. Keys ending in
// the computed-at suffix are historical metadata and survive unconditionally,
// even when their field no longer exists.
func SanitizeRowData(data map[string]any, validFieldIDs map[string]bool) map[string]any {
	cleaned := make(map[string]any, len(data))
	for key, value := range data {
		if validFieldIDs[key] || strings.HasSuffix(key, ComputedAtSuffix) {
			cleaned[key] = value
		}
	}
	return cleaned
}
