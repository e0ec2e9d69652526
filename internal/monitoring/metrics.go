package monitoring

import "expvar"

// Process-wide counters. Names follow the tsweb varz convention: a "counter_"
// prefix renders as a Prometheus counter and "gauge_" as a gauge on
// /debug/varz.
var (
	ObservationsAccepted = expvar.NewInt("counter_presence_observations_accepted")
	ObservationsIgnored  = expvar.NewInt("counter_presence_observations_ignored")
	EntitiesEvicted      = expvar.NewInt("counter_presence_entities_evicted")
	TransitionsEmitted   = expvar.NewInt("counter_presence_transitions_emitted")
	ActiveEntities       = expvar.NewInt("gauge_presence_active_entities")

	ReporterDelivered = expvar.NewInt("counter_reporter_delivered")
	ReporterFailed    = expvar.NewInt("counter_reporter_failed")
	ReporterDropped   = expvar.NewInt("counter_reporter_dropped")

	LedgerMutations     = expvar.NewInt("counter_ledger_mutations")
	LedgerNoops         = expvar.NewInt("counter_ledger_noops")
	LedgerPublishDrops  = expvar.NewInt("counter_ledger_publish_dropped")
	BrokerFallbacks     = expvar.NewInt("counter_pubsub_fallbacks")
	ActiveSubscriptions = expvar.NewInt("gauge_pubsub_active_subscriptions")
)
