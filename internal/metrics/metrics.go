package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is injected into the services so that monitoring counters never
// live in module-level mutable state.
type Sink interface {
	MessageSent()
	MessageFailed()
	FollowUpSkipped(reason string)
	TrackingEvent(kind string)
	SpamFlagged()
}

// Nop discards everything. Used by tests.
type Nop struct{}

func (Nop) MessageSent()            {}
func (Nop) MessageFailed()          {}
func (Nop) FollowUpSkipped(string)  {}
func (Nop) TrackingEvent(string)    {}
func (Nop) SpamFlagged()            {}

// Prom exports the counters through a prometheus registry.
type Prom struct {
	sent     prometheus.Counter
	failed   prometheus.Counter
	skipped  *prometheus.CounterVec
	tracking *prometheus.CounterVec
	spam     prometheus.Counter
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_messages_sent_total",
			Help: "Messages handed to the transport successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_messages_failed_total",
			Help: "Send attempts that ended in failure.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_followups_skipped_total",
			Help: "Follow-up steps skipped by a stop condition.",
		}, []string{"reason"}),
		tracking: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_tracking_events_total",
			Help: "Recorded open/click/reply events.",
		}, []string{"type"}),
		spam: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_spam_flagged_total",
			Help: "Rendered messages flagged by the spam scorer.",
		}),
	}
	reg.MustRegister(p.sent, p.failed, p.skipped, p.tracking, p.spam)
	return p
}

func (p *Prom) MessageSent()                  { p.sent.Inc() }
func (p *Prom) MessageFailed()                { p.failed.Inc() }
func (p *Prom) FollowUpSkipped(reason string) { p.skipped.WithLabelValues(reason).Inc() }
func (p *Prom) TrackingEvent(kind string)     { p.tracking.WithLabelValues(kind).Inc() }
func (p *Prom) SpamFlagged()                  { p.spam.Inc() }
