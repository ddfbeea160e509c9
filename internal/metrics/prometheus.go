package metrics

import (
	"time"

	logx "announcebot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Sink with client_golang collectors.
// Registration errors are logged and never propagated.
type Prometheus struct {
	jobsScheduled  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobLateness    prometheus.Histogram
	jobsLive       prometheus.Gauge
	reauthAttempts *prometheus.CounterVec
	otpRequests    *prometheus.CounterVec
	persistFails   *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer, log logx.Logger) *Prometheus {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Prometheus{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "announcebot_jobs_scheduled_total",
			Help: "Jobs accepted by the scheduler.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcebot_jobs_finished_total",
			Help: "Job executions by final status.",
		}, []string{"status"}),
		jobLateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "announcebot_job_lateness_seconds",
			Help:    "Delay between a job's due time and its execution.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
		}),
		jobsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "announcebot_jobs_live",
			Help: "Jobs currently tracked by the scheduler.",
		}),
		reauthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcebot_venue_reauth_total",
			Help: "Venue re-authentication attempts by outcome.",
		}, []string{"outcome"}),
		otpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcebot_otp_requests_total",
			Help: "One-time code prompts by outcome.",
		}, []string{"outcome"}),
		persistFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcebot_persistence_failures_total",
			Help: "Failed durable-state operations.",
		}, []string{"op", "key"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcebot_requests_rejected_total",
			Help: "Announcement requests rejected before scheduling.",
		}, []string{"reason"}),
	}
	for name, c := range map[string]prometheus.Collector{
		"jobs_scheduled":  p.jobsScheduled,
		"jobs_finished":   p.jobsFinished,
		"job_lateness":    p.jobLateness,
		"jobs_live":       p.jobsLive,
		"reauth":          p.reauthAttempts,
		"otp":             p.otpRequests,
		"persist_failure": p.persistFails,
		"rejected":        p.rejected,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn("metrics: register failed", logx.String("collector", name), logx.Err(err))
		}
	}
	return p
}

func (p *Prometheus) JobScheduled() { p.jobsScheduled.Inc() }

func (p *Prometheus) JobFinished(status string, lateness time.Duration) {
	p.jobsFinished.WithLabelValues(status).Inc()
	if lateness < 0 {
		lateness = 0
	}
	p.jobLateness.Observe(lateness.Seconds())
}

func (p *Prometheus) JobsLive(n int) { p.jobsLive.Set(float64(n)) }

func (p *Prometheus) ReauthAttempt(outcome string) { p.reauthAttempts.WithLabelValues(outcome).Inc() }

func (p *Prometheus) OTPRequest(outcome string) { p.otpRequests.WithLabelValues(outcome).Inc() }

func (p *Prometheus) PersistenceFailure(op, key string) {
	p.persistFails.WithLabelValues(op, key).Inc()
}

func (p *Prometheus) RequestRejected(reason string) { p.rejected.WithLabelValues(reason).Inc() }
