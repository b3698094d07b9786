package dedup

import (
	"sort"
	"unicode/utf8"

	"github.com/actor-graph/backend/internal/storage/models"
)

// Strategy selects how similar actors are grouped.
type Strategy string

const (
	// StrategyComponents groups the connected components of the similarity graph. The
	// grouping does not depend on the order actors are visited in.
	StrategyComponents Strategy = "components"
	// StrategyGreedy seeds a group with each unclustered actor in name order and pulls in
	// every unclustered actor similar to the seed.
	StrategyGreedy Strategy = "greedy"
)

// cluster groups one (scope, type) partition. Two actors link when their similarity
// exceeds threshold. Partitions must be sorted by name; only
// groups with two or more actors are returned.
func cluster(actors []*models.Actor, threshold float64, strategy Strategy) [][]*models.Actor {
	if len(actors) < 2 {
		return nil
	}
	if strategy == StrategyGreedy {
		return greedy(actors, threshold)
	}
	return components(actors, threshold)
}

func components(actors []*models.Actor, threshold float64) [][]*models.Actor {
	parent := make([]int, len(actors))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for i := 0; i < len(actors); i++ {
		for j := i + 1; j < len(actors); j++ {
			if Similarity(actors[i].Name, actors[j].Name) > threshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]*models.Actor)
	var roots []int
	for i, a := range actors {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], a)
	}

	var groups [][]*models.Actor
	for _, r := range roots {
		if len(byRoot[r]) > 1 {
			groups = append(groups, byRoot[r])
		}
	}
	return groups
}

func greedy(actors []*models.Actor, threshold float64) [][]*models.Actor {
	clustered := make([]bool, len(actors))
	var groups [][]*models.Actor
	for i, seed := range actors {
		if clustered[i] {
			continue
		}
		group := []*models.Actor{seed}
		clustered[i] = true
		for j := i + 1; j < len(actors); j++ {
			if clustered[j] {
				continue
			}
			if Similarity(seed.Name, actors[j].Name) > threshold {
				group = append(group, actors[j])
				clustered[j] = true
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// canonical picks the actor the rest of a group merges into: the longest name, then the
// lexically lowest name, then the lowest id.
func canonical(group []*models.Actor) (*models.Actor, []*models.Actor) {
	sorted := append([]*models.Actor(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(sorted[i].Name), utf8.RuneCountInString(sorted[j].Name)
		if li != lj {
			return li > lj
		}
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], sorted[1:]
}

// partition splits actors by type, each partition sorted by name then id.
func partition(actors []*models.Actor) [][]*models.Actor {
	byType := make(map[models.ActorType][]*models.Actor)
	for _, a := range actors {
		byType[a.Type] = append(byType[a.Type], a)
	}

	var parts [][]*models.Actor
	for _, t := range models.ActorTypes {
		part := byType[t]
		if len(part) == 0 {
			continue
		}
		sort.SliceStable(part, func(i, j int) bool {
			fi, fj := foldName(part[i].Name), foldName(part[j].Name)
			if fi != fj {
				return fi < fj
			}
			return part[i].ID < part[j].ID
		})
		parts = append(parts, part)
	}
	return parts
}
