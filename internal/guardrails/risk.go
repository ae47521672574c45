package guardrails

import "github.com/patrickwarner/adguard/internal/models"

var severityWeight = map[models.Severity]int{
	models.SeverityCritical: 5,
	models.SeverityError:    3,
	models.SeverityWarning:  1,
}

// riskScore is an additive heuristic over violations, the kind of change and
// the money involved.
func riskScore(m *models.Mutation, violations []models.Violation, spend models.Micros) int {
	score := 0
	for _, v := range violations {
		score += severityWeight[v.Severity]
	}
	switch m.Kind {
	case models.KindRemove:
		score += 3
	case models.KindCreate:
		score += 2
	}
	switch m.ResourceType {
	case models.ResourceBudget:
		score += 3
	case models.ResourceCampaign:
		score += 2
	}
	switch {
	case spend >= models.Dollars(1000):
		score += 5
	case spend >= models.Dollars(100):
		score += 3
	case spend >= models.Dollars(10):
		score += 1
	}
	return score
}

func riskLevel(score int) models.RiskLevel {
	switch {
	case score < 8:
		return models.RiskLow
	case score < 15:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}
