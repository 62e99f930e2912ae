package env

import (
	"sort"
	"strings"
)

// blockedKeys are variables that let a caller hijack the interpreter or
// runtime of whatever gets spawned.
var blockedKeys = map[string]struct{}{
	"NODE_OPTIONS": {},
	"PYTHONHOME":   {},
	"PYTHONPATH":   {},
	"LD_PRELOAD":   {},
}

// blockedPrefixes cover the dynamic loader families (library injection).
var blockedPrefixes = []string{"DYLD_", "LD_"}

// IsBlocked reports whether key must never be passed to a spawned process.
// Matching is exact and case-sensitive.
func IsBlocked(key string) bool {
	if _, ok := blockedKeys[key]; ok {
		return true
	}
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Filter splits vars into the entries that may be attached to a child process
// and the (sorted) keys that were dropped. Empty keys are dropped as well.
func Filter(vars map[string]string) (map[string]string, []string) {
	kept := make(map[string]string, len(vars))
	var dropped []string
	for k, v := range vars {
		if k == "" || IsBlocked(k) {
			dropped = append(dropped, k)
			continue
		}
		kept[k] = v
	}
	sort.Strings(dropped)
	return kept, dropped
}
