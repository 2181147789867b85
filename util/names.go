// Package util contains helpers shared by the bgt packages.
package util

import (
	"sort"

	"github.com/antzucaro/matchr"
)

// Closest returns the candidate with the smallest Levenshtein distance to
// name, and the distance. Ties are broken by candidate order. It returns
// ("", -1) if there are no candidates.
func Closest(name string, candidates []string) (string, int) {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := matchr.Levenshtein(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
			if d == 0 {
				break
			}
		}
	}
	return best, bestDist
}

// Dedup sorts a and removes duplicates in place.
func Dedup(a []int32) []int32 {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	n := 0
	for i, v := range a {
		if i == 0 || v != a[n-1] {
			a[n] = v
			n++
		}
	}
	return a[:n]
}
