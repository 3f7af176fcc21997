package workflow

import "github.com/pitabwire/signoff/internal/observability"

var _ Metrics = (*observability.Metrics)(nil)

// Metrics receives engine counters.
type Metrics interface {
	RecordWorkflowCreated(module string)
	RecordStageTransition(module, action string)
	RecordWorkflowCompletion(module, finalStatus string)
	RecordAuthorizationDecision(module, decision, assurance string)
	RecordSideEffectFailure(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordWorkflowCreated(string)                       {}
func (noopMetrics) RecordStageTransition(string, string)               {}
func (noopMetrics) RecordWorkflowCompletion(string, string)            {}
func (noopMetrics) RecordAuthorizationDecision(string, string, string) {}
func (noopMetrics) RecordSideEffectFailure(string)                     {}
