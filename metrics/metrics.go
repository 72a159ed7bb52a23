// Package metrics exposes auth-flow counters as prometheus metrics.
// Collector implements sessionstore.Recorder; attach it with
// sessionstore.WithMetrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/sessionstore"
)

var _ sessionstore.Recorder = (*Collector)(nil)

// Collector records auth operation outcomes and provider-pushed events.
type Collector struct {
	signIn       *prometheus.CounterVec
	signUp       *prometheus.CounterVec
	signOut      prometheus.Counter
	changeEvents *prometheus.CounterVec
	mdUpdate     *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_sign_in_total",
			Help: "Sign-in attempts by result.",
		}, []string{"result"}),
		signUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_sign_up_total",
			Help: "Sign-up attempts by result.",
		}, []string{"result"}),
		signOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiongate_sign_out_total",
			Help: "Sign-outs performed.",
		}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_change_events_total",
			Help: "Provider-pushed session change events by kind.",
		}, []string{"kind"}),
		mdUpdate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongate_metadata_update_total",
			Help: "User metadata updates by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.signIn,
		c.signUp,
		c.signOut,
		c.changeEvents,
		c.mdUpdate,
	)

	return c
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (c *Collector) RecordSignIn(ok bool) {
	c.signIn.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) RecordSignUp(ok bool) {
	c.signUp.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) RecordSignOut() {
	c.signOut.Inc()
}

func (c *Collector) RecordChangeEvent(kind identity.EventKind) {
	c.changeEvents.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordMetadataUpdate(ok bool) {
	c.mdUpdate.WithLabelValues(result(ok)).Inc()
}

// Handler returns the prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
