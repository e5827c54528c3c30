package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Milter connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_connections_total",
			Help: "Total number of milter connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_connections_current",
			Help: "Current number of open milter connections",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyd_connection_duration_seconds",
			Help:    "Duration of milter connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Rule evaluation metrics
var (
	StageDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_stage_decisions_total",
			Help: "Decisions returned to the MTA, by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_rule_matches_total",
			Help: "Number of times a rule condition matched",
		},
		[]string{"rule"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_rule_errors_total",
			Help: "Rule condition and action errors, by error kind",
		},
		[]string{"rule", "kind"},
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_stage_evaluation_duration_seconds",
			Help:    "Time spent evaluating the rules of one stage",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"stage"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_provider_duration_seconds",
			Help:    "Latency of attribute providers",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"attribute"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_provider_errors_total",
			Help: "Attribute provider failures",
		},
		[]string{"attribute"},
	)
)

// Action metrics
var (
	TarpitDelays = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyd_tarpit_delay_seconds",
			Help:    "Time connections spent in tarpit actions",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	TarpitAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_tarpit_aborts_total",
			Help: "Tarpit waits ended because the peer went away",
		},
	)

	PipeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_pipe_executions_total",
			Help: "Pipe action command executions by status",
		},
		[]string{"status"}, // status: "success", "failure", "timeout"
	)

	HeaderModifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_header_modifications_total",
			Help: "Header modifications requested from the MTA",
		},
		[]string{"type"}, // type: "add", "change"
	)
)

// Greylist metrics
var (
	GreylistResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_greylist_results_total",
			Help: "Greylist decisions by result",
		},
		[]string{"result"}, // result: "pass", "delay", "error"
	)

	GreylistRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_greylist_records",
			Help: "Stored greylist records by state",
		},
		[]string{"state"}, // state: "pending", "valid"
	)

	SweeperRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_sweeper_runs_total",
			Help: "Expired record sweeps by status",
		},
		[]string{"status"},
	)

	SweeperDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_sweeper_deleted_total",
			Help: "Expired greylist records deleted by the sweeper",
		},
	)
)

// Admin API metrics
var (
	AdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_admin_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// Health metrics
var (
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_health_checks_total",
			Help: "Health check runs by component and resulting status",
		},
		[]string{"component", "status"},
	)

	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_health_status",
			Help: "Component health (0 unreachable, 1 unhealthy, 2 degraded, 3 healthy)",
		},
		[]string{"component"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
)
