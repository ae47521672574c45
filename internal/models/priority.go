package models

import (
	"fmt"
	"os"
	"strings"
)

// Mutation priority levels. Higher priority mutations are applied first within a batch.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// DefaultPriority is assumed for mutations that do not carry one.
const DefaultPriority = PriorityMedium

// PriorityOrder lists priority levels from highest to lowest. It can be
// overridden with a comma-separated PRIORITY_ORDER environment variable.
var PriorityOrder = []string{PriorityHigh, PriorityMedium, PriorityLow}

var priorityRank map[string]int

func buildPriorityRank() {
	rank := make(map[string]int, len(PriorityOrder))
	for i, p := range PriorityOrder {
		rank[p] = i
	}
	priorityRank = rank
}

func init() {
	if env := os.Getenv("PRIORITY_ORDER"); env != "" {
		order := make([]string, 0, 3)
		for _, p := range strings.Split(env, ",") {
			if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
				order = append(order, trimmed)
			}
		}
		if len(order) > 0 {
			PriorityOrder = order
		}
	}
	buildPriorityRank()
}

// PriorityRank returns the sort rank for a priority level. Lower ranks are
// applied first. An empty priority ranks as DefaultPriority and unrecognized
// values rank after every known level.
func PriorityRank(p string) int {
	if p == "" {
		p = DefaultPriority
	}
	if r, ok := priorityRank[strings.ToLower(p)]; ok {
		return r
	}
	return len(PriorityOrder)
}

// PriorityFromIndex maps a numeric priority (0 = highest) onto PriorityOrder.
func PriorityFromIndex(i int) (string, error) {
	if i < 0 || i >= len(PriorityOrder) {
		return "", fmt.Errorf("priority index %d out of range [0,%d)", i, len(PriorityOrder))
	}
	return PriorityOrder[i], nil
}
