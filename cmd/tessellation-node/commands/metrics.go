package commands

import "log/slog"

// slogMetrics satisfies consensus.Metrics by logging each observation.
// Exporting to Prometheus/OpenTelemetry is an external collaborator
// (spec.md §1, §7); this is the minimal concrete implementation needed to
// exercise the hook.
type slogMetrics struct {
	log *slog.Logger
}

func (m slogMetrics) ObserveConsensusDuration(d float64) {
	m.log.Info("dag_consensus_duration", "seconds", d)
}
