package engine

import (
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
)

// splitBatches chunks an ordered slice into concurrent batches of at
// most size items. A batch never contains both a request and one of
// its dependencies, since batch members run in parallel.
func splitBatches(reqs []*models.QueuedRequest, size int) [][]*models.QueuedRequest {
	if size <= 0 {
		size = 1
	}
	var batches [][]*models.QueuedRequest
	var current []*models.QueuedRequest
	inCurrent := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			inCurrent = make(map[string]bool)
		}
	}

	for _, r := range reqs {
		dependsOnCurrent := false
		for _, dep := range r.Dependencies {
			if inCurrent[dep] {
				dependsOnCurrent = true
				break
			}
		}
		if dependsOnCurrent || len(current) >= size {
			flush()
		}
		current = append(current, r)
		inCurrent[r.ID] = true
	}
	flush()
	return batches
}

// orderWithDependencies reorders an already priority-sorted slice so
// that every request comes after its declared dependencies. Kahn's
// algorithm, seeded in input order so the priority sort is preserved
// among independent requests. Dependencies on requests outside the
// slice (already synced or never queued) are ignored. A cycle cannot
// be satisfied; its members are appended in input order so a bad
// dependency declaration degrades to plain priority order instead of
// stalling the queue.
func orderWithDependencies(reqs []*models.QueuedRequest) []*models.QueuedRequest {
	hasDeps := false
	for _, r := range reqs {
		if len(r.Dependencies) > 0 {
			hasDeps = true
			break
		}
	}
	if !hasDeps {
		return reqs
	}

	index := make(map[string]int, len(reqs))
	for i, r := range reqs {
		index[r.ID] = i
	}

	indegree := make([]int, len(reqs))
	dependents := make(map[int][]int)
	for i, r := range reqs {
		for _, dep := range r.Dependencies {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ordered := make([]*models.QueuedRequest, 0, len(reqs))
	placed := make([]bool, len(reqs))

	queue := make([]int, 0, len(reqs))
	for i := range reqs {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		placed[i] = true
		ordered = append(ordered, reqs[i])
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) < len(reqs) {
		// Unplaced entries form one or more cycles.
		logging.Warn("dependency cycle detected, falling back to priority order for cycle members", map[string]interface{}{
			"cycle_size": len(reqs) - len(ordered),
		})
		for i, r := range reqs {
			if !placed[i] {
				ordered = append(ordered, r)
			}
		}
	}
	return ordered
}
