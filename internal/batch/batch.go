// Package batch splits ordered work into bounded groups for fan-out.
package batch

// Split packs items greedily, left to right, into groups of at most size
// elements. Order is preserved and no group is empty; an empty input yields
// no groups. A non-positive size puts everything in a single group.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return [][]T{}
	}
	if size <= 0 {
		size = len(items)
	}

	groups := make([][]T, 0, (len(items)+size-1)/size)
	for _, item := range items {
		last := len(groups) - 1
		if last >= 0 && len(groups[last]) < size {
			groups[last] = append(groups[last], item)
			continue
		}
		group := make([]T, 0, min(size, len(items)))
		groups = append(groups, append(group, item))
	}
	return groups
}
