package observability

import (
	"github.com/harun/rikka/pkg/dispatch"
	"github.com/harun/rikka/pkg/policy"
)

// TraceObserver returns a trace hook that feeds call metrics. Wire it into
// dispatch.Options.OnTrace.
func TraceObserver() func(dispatch.TraceEntry) {
	EnsureRegistered()
	return func(entry dispatch.TraceEntry) {
		RecordCall(entry.Name, string(entry.State), entry.Depth, entry.Duration)
	}
}

// DecisionObserver returns a policy hook that feeds the approval decision
// metric. Wire it into policy.Config.OnDecision.
func DecisionObserver() func(entry string, d policy.Decision) {
	EnsureRegistered()
	return func(_ string, d policy.Decision) {
		RecordApproval(string(d))
	}
}

// UsageObserver records token spend for every model in a usage map. Call it
// once per finished run; per-model counts in a run's usage map are cumulative.
func UsageObserver(usage dispatch.UsageMap) {
	for model, u := range usage {
		RecordModelUsage(model, u.InputTokens, u.OutputTokens)
	}
}
