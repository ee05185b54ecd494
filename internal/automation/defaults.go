package automation

import "kiteflow/internal/domain"

// DefaultRules is the rule set installed on a fresh start.
func DefaultRules() []domain.AutomationRule {
	return []domain.AutomationRule{
		{
			Name:        "Auto-approve confident low impact changes",
			Description: "Low impact suggestions with confidence above 0.8 are applied without review.",
			Enabled:     true,
			Conditions: []domain.Condition{
				{Type: domain.FieldImpact, Operator: domain.OpEquals, Value: "low"},
				{Type: domain.FieldConfidence, Operator: domain.OpGreaterThan, Value: 0.8},
			},
			Actions: []domain.Action{{Type: domain.ActionApprove}},
		},
		{
			Name:        "Notify on high impact changes",
			Description: "High impact suggestions need a human decision.",
			Enabled:     true,
			Conditions: []domain.Condition{
				{Type: domain.FieldImpact, Operator: domain.OpEquals, Value: "high"},
			},
			Actions: []domain.Action{{Type: domain.ActionNotify, Params: map[string]any{"priority": "high"}}},
		},
		{
			Name:        "Queue medium impact changes",
			Description: "Medium impact suggestions go to the optimization queue for the content team.",
			Enabled:     true,
			Conditions: []domain.Condition{
				{Type: domain.FieldImpact, Operator: domain.OpEquals, Value: "medium"},
			},
			Actions: []domain.Action{{Type: domain.ActionQueue, Params: map[string]any{"priority": 2}}},
		},
	}
}
