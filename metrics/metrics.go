package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "folding_poll_ticks_total", Help: "Poll ticks run"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "folding_poll_tick_seconds", Help: "Wall time of one poll tick"},
	)
	Queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "folding_miner_queries_total", Help: "Miner queries by result"},
		[]string{"result"}, // ok, transport, malformed, dropped
	)
	QueryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "folding_miner_query_seconds", Help: "Latency of one miner query"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "folding_task_terminal_total", Help: "Tasks reaching a terminal state"},
		[]string{"state"},
	)
	GroupsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "folding_groups_created_total", Help: "Job groups created"},
	)
	GroupsScored = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "folding_groups_scored_total", Help: "Job groups finalized and scored"},
	)
	AdmissionSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "folding_admission_skips_total", Help: "Backlog slots left empty by reason"},
		[]string{"reason"}, // empty, malformed, workers, duplicate, error
	)
	ActiveGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "folding_active_groups", Help: "Job groups not yet finalized"},
	)
	Tasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "folding_tasks", Help: "Tracked tasks by state"},
		[]string{"state"},
	)
	AliveMiners = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "folding_alive_miners", Help: "Miners eligible for sampling"},
	)
	EligibleMiners = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "folding_eligible_miners", Help: "Miners on the sampling ring at the last admission"},
	)
	Backlog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "folding_backlog_entries", Help: "Backlog entries consumed since start, by outcome"},
		[]string{"outcome"},
	)
	Scores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folding_score",
			Help:    "Normalized scores handed out",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Ticks, TickDuration, Queries, QueryLatency, Transitions,
		GroupsCreated, GroupsScored, AdmissionSkips,
		ActiveGroups, Tasks, AliveMiners, EligibleMiners, Backlog, Scores,
	}
}
