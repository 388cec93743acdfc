package guardian

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed policy.rego
var defaultPolicySource string

// PolicyInput is the decision input handed to the Rego module for every
// lifecycle check.
type PolicyInput struct {
	AgentStatus                string  `json:"agent_status"`
	ConsecutiveAnomalousReadings int   `json:"consecutive_anomalous_readings"`
	ConsecutiveToQuarantine    int     `json:"consecutive_to_quarantine"`
	SecondsSinceQuarantined    float64 `json:"seconds_since_quarantined"`
	CooldownSeconds            float64 `json:"cooldown_seconds"`
	QuarantineCountInWindow    int     `json:"quarantine_count_in_window"`
	DeadPromotionThreshold     int     `json:"dead_promotion_threshold"`
}

// PolicyDecision is the Rego module's evaluated verdict.
type PolicyDecision struct {
	Quarantine  bool
	Resurrect   bool
	DeadPromote bool
}

// PolicyEvaluator evaluates Guardian's lifecycle policy. policyPath, when
// non-empty, overrides the embedded default module so operators can change
// thresholds without a redeploy.
type PolicyEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEvaluator compiles the Rego module at policyPath, or the
// embedded default if policyPath is empty.
func NewPolicyEvaluator(ctx context.Context, policyPath string) (*PolicyEvaluator, error) {
	source := defaultPolicySource
	if policyPath != "" {
		b, err := os.ReadFile(policyPath)
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", policyPath, err)
		}
		source = string(b)
	}

	prepared, err := rego.New(
		rego.Query("data.guardian"),
		rego.Module("policy.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile guardian policy: %w", err)
	}

	return &PolicyEvaluator{query: prepared}, nil
}

// Evaluate runs the policy module against in and returns the decision.
func (p *PolicyEvaluator) Evaluate(ctx context.Context, in PolicyInput) (PolicyDecision, error) {
	input := map[string]any{
		"agent_status":                   in.AgentStatus,
		"consecutive_anomalous_readings": in.ConsecutiveAnomalousReadings,
		"consecutive_to_quarantine":      in.ConsecutiveToQuarantine,
		"seconds_since_quarantined":      in.SecondsSinceQuarantined,
		"cooldown_seconds":               in.CooldownSeconds,
		"quarantine_count_in_window":     in.QuarantineCountInWindow,
		"dead_promotion_threshold":       in.DeadPromotionThreshold,
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("evaluate guardian policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return PolicyDecision{}, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return PolicyDecision{}, nil
	}

	return PolicyDecision{
		Quarantine:  asBool(doc["quarantine"]),
		Resurrect:   asBool(doc["resurrect"]),
		DeadPromote: asBool(doc["dead_promote"]),
	}, nil
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
