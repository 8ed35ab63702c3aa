package workflow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/approval-engine/types"
)

// Result label values.
const (
	resultOK           = "ok"
	resultUnknown      = "unknown_stage"
	resultIllegal      = "illegal"
	resultUnauthorized = "unauthorized"
	resultError        = "error"
)

// Metrics holds the Prometheus instruments for transitions.
// A nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the instruments and registers them on reg.
//
// Instruments:
//   - approval_transitions_total{workflow,from,to,result}
//   - approval_transition_duration_seconds{workflow}
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_transitions_total",
			Help: "Transition attempts by outcome.",
		}, []string{"workflow", "from", "to", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_transition_duration_seconds",
			Help:    "Time spent executing a transition, including storage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.transitions, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrUnknownStage):
		return resultUnknown
	case errors.Is(err, ErrIllegalTransition):
		return resultIllegal
	case errors.Is(err, ErrUnauthorizedActor):
		return resultUnauthorized
	default:
		return resultError
	}
}

func (m *Metrics) observe(workflow string, from, to types.StageID, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(workflow, string(from), string(to), resultOf(err)).Inc()
	m.duration.WithLabelValues(workflow).Observe(elapsed.Seconds())
}
