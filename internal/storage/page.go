package storage

import (
	"sort"
	"strings"
)

// PageKeys applies opts to the sorted key set and builds one listing page,
// calling info for every key that makes the page.
func PageKeys(keys []string, opts ListOptions, info func(string) ObjectInfo) *ListResult {
	start := 0
	if opts.StartAfter != "" {
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	if opts.Prefix != "" {
		if first := sort.SearchStrings(keys, opts.Prefix); first > start {
			start = first
		}
	}
	result := &ListResult{}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, info(key))
	}
	return result
}
