package applier

import (
	"github.com/patrickwarner/adguard/internal/models"
)

// Conflict is a set of mutations in one batch that target the same entity.
type Conflict struct {
	TenantID     string              `json:"tenantId"`
	ResourceType models.ResourceType `json:"resourceType"`
	EntityID     string              `json:"entityId"`
	MutationIDs  []string            `json:"mutationIds"`
}

// DetectConflicts groups the batch by (tenant, resource type, entity) and
// returns every group with more than one member, in order of first
// appearance. Creates without an entity id never conflict.
func DetectConflicts(batch []models.Mutation) []Conflict {
	groups := make(map[string]*Conflict)
	var keys []string
	for _, m := range batch {
		key := m.ConflictKey()
		if key == "" {
			continue
		}
		c, ok := groups[key]
		if !ok {
			c = &Conflict{TenantID: m.TenantID, ResourceType: m.ResourceType, EntityID: m.EntityID}
			groups[key] = c
			keys = append(keys, key)
		}
		c.MutationIDs = append(c.MutationIDs, m.ID)
	}

	conflicts := make([]Conflict, 0)
	for _, key := range keys {
		if c := groups[key]; len(c.MutationIDs) > 1 {
			conflicts = append(conflicts, *c)
		}
	}
	return conflicts
}

// conflictIndex maps the batch index of every conflicting mutation to the
// entity it fights over.
func conflictIndex(batch []models.Mutation) map[int]string {
	count := make(map[string]int)
	for _, m := range batch {
		if key := m.ConflictKey(); key != "" {
			count[key]++
		}
	}
	out := make(map[int]string)
	for i, m := range batch {
		if key := m.ConflictKey(); key != "" && count[key] > 1 {
			out[i] = string(m.ResourceType) + " " + m.EntityID
		}
	}
	return out
}

// order returns batch indexes in apply order: lowest priority rank first,
// submission order on ties, and never before a dependency that is in the
// same batch. Dependency cycles fall back to priority order.
func order(batch []models.Mutation) []int {
	byID := make(map[string]int, len(batch))
	for i, m := range batch {
		if _, dup := byID[m.ID]; !dup {
			byID[m.ID] = i
		}
	}
	rank := make([]int, len(batch))
	for i, m := range batch {
		rank[i] = models.PriorityRank(m.Priority)
	}

	placed := make([]bool, len(batch))
	ready := func(i int) bool {
		for _, dep := range batch[i].Dependencies {
			if j, ok := byID[dep]; ok && j != i && !placed[j] {
				return false
			}
		}
		return true
	}
	pick := func(needReady bool) int {
		best := -1
		for i := range batch {
			if placed[i] || (needReady && !ready(i)) {
				continue
			}
			if best == -1 || rank[i] < rank[best] {
				best = i
			}
		}
		return best
	}

	out := make([]int, 0, len(batch))
	for len(out) < len(batch) {
		next := pick(true)
		if next == -1 {
			next = pick(false)
		}
		placed[next] = true
		out = append(out, next)
	}
	return out
}
