package commands

import (
	"fmt"
	"sort"
)

// printKV renders a decoded JSON object as aligned key/value lines,
// keys sorted for stable output.
func printKV(obj map[string]any) {
	keys := make([]string, 0, len(obj))
	width := 0
	for k := range obj {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("  %-*s %v\n", width+1, k+":", obj[k])
	}
}
