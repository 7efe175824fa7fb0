package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_relay_events_total",
		Help: "Control events relayed to peers, by peer event name",
	}, []string{"event"})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_relay_dropped_events_total",
		Help: "Control events dropped because their name is not registered",
	})
)
