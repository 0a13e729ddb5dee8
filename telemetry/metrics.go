// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Sessions
	SessionTransitions *prometheus.CounterVec // transition=opened|updated|grace_held|closed|manual_skipped
	LiveChecks         *prometheus.CounterVec // result=live|offline|error
	BackfilledMessages prometheus.Counter
	ArchivalActions    *prometheus.CounterVec // action=corrected|linked|merged

	// Upstream
	UpstreamRequests  *prometheus.CounterVec // endpoint, outcome
	UpstreamDuration  *prometheus.HistogramVec
	RateLimitBackoffs prometheus.Counter
	RateLimitWait     prometheus.Observer

	// Chat / moderation
	ChatMessages      *prometheus.CounterVec // state=session|offline|duplicate
	ModerationActions *prometheus.CounterVec // kind, dry_run
	RaidActivations   prometheus.Counter
	BotReplies        *prometheus.CounterVec // source=llm|canned

	// Queue
	JobsProcessed   *prometheus.CounterVec // kind, outcome=completed|retried|failed|panic
	JobDuration     *prometheus.HistogramVec
	QueueDepthGauge *prometheus.GaugeVec // kind, status
	ActiveJobs      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_session_transitions_total", Help: "Session reconciler transitions by kind"}, []string{"transition"})
		LiveChecks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_live_checks_total", Help: "Liveness checks by result"}, []string{"result"})
		BackfilledMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_backfilled_messages_total", Help: "Offline chat messages attached to a session at close"})
		ArchivalActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_archival_actions_total", Help: "Archival correction pass actions"}, []string{"action"})

		UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_upstream_requests_total", Help: "Upstream API requests by endpoint and outcome"}, []string{"endpoint", "outcome"})
		UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "warden_upstream_request_duration_seconds", Help: "Upstream API request latency", Buckets: prometheus.DefBuckets}, []string{"endpoint"})
		RateLimitBackoffs = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_ratelimit_backoffs_total", Help: "Global backoff extensions triggered by 429 responses"})
		RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_ratelimit_wait_seconds", Help: "Time spent waiting for a rate limiter slot", Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}})

		ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_chat_messages_total", Help: "Recorded chat messages by destination"}, []string{"state"})
		ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_moderation_actions_total", Help: "Moderation actions decided"}, []string{"kind", "dry_run"})
		RaidActivations = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_raid_activations_total", Help: "Raid mode activations"})
		BotReplies = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_bot_replies_total", Help: "Bot replies sent by generator"}, []string{"source"})

		JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_jobs_processed_total", Help: "Queue jobs processed by outcome"}, []string{"kind", "outcome"})
		JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "warden_job_duration_seconds", Help: "Queue job handler duration", Buckets: prometheus.DefBuckets}, []string{"kind"})
		QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "warden_queue_depth", Help: "Jobs per status"}, []string{"kind", "status"})
		ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_active_jobs", Help: "Jobs currently in flight in this worker"})
	})
}

// IncSessionTransition counts one reconciler transition.
func IncSessionTransition(transition string) {
	if SessionTransitions != nil {
		SessionTransitions.WithLabelValues(transition).Inc()
	}
}

func IncLiveCheck(result string) {
	if LiveChecks != nil {
		LiveChecks.WithLabelValues(result).Inc()
	}
}

func AddBackfilled(n int64) {
	if BackfilledMessages != nil && n > 0 {
		BackfilledMessages.Add(float64(n))
	}
}

func IncArchival(action string) {
	if ArchivalActions != nil {
		ArchivalActions.WithLabelValues(action).Inc()
	}
}

// ObserveUpstream records one finished upstream call.
func ObserveUpstream(endpoint, outcome string, d time.Duration) {
	if UpstreamRequests != nil {
		UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	}
	if UpstreamDuration != nil {
		UpstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

func IncRateLimitBackoff() {
	if RateLimitBackoffs != nil {
		RateLimitBackoffs.Inc()
	}
}

func ObserveRateLimitWait(d time.Duration) {
	if RateLimitWait != nil {
		RateLimitWait.Observe(d.Seconds())
	}
}

func IncChatMessage(state string) {
	if ChatMessages != nil {
		ChatMessages.WithLabelValues(state).Inc()
	}
}

func IncModerationAction(kind string, dryRun bool) {
	if ModerationActions != nil {
		ModerationActions.WithLabelValues(kind, strconv.FormatBool(dryRun)).Inc()
	}
}

func IncRaidActivation() {
	if RaidActivations != nil {
		RaidActivations.Inc()
	}
}

func IncBotReply(source string) {
	if BotReplies != nil {
		BotReplies.WithLabelValues(source).Inc()
	}
}

// ObserveJob records a job outcome and its handler duration.
func ObserveJob(kind, outcome string, d time.Duration) {
	if JobsProcessed != nil {
		JobsProcessed.WithLabelValues(kind, outcome).Inc()
	}
	if JobDuration != nil {
		JobDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// SetQueueDepth records the current number of jobs in status for kind.
func SetQueueDepth(kind, status string, n int64) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.WithLabelValues(kind, status).Set(float64(n))
	}
}

func SetActiveJobs(n int64) {
	if ActiveJobs != nil {
		ActiveJobs.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// NewCorrelation attaches a fresh random correlation id.
func NewCorrelation(ctx context.Context) context.Context {
	return WithCorrelation(ctx, uuid.NewString())
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
