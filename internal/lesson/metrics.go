package lesson

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lessons_sessions_started_total",
		Help: "Number of lesson sessions moved to LIVE",
	})
	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessons_sessions_ended_total",
		Help: "Number of lesson sessions moved to ENDED, by reason",
	}, []string{"reason"})
	checkIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessons_checkins_total",
		Help: "Check-in attempts, by result",
	}, []string{"result"})
	recordUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessons_record_updates_total",
		Help: "Mentor record updates, by result",
	}, []string{"result"})
)

// resultLabel keeps metric label cardinality bounded.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid_request"
	case errors.Is(err, ErrCredentialExpired):
		return "credential_expired"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrSessionNotLive):
		return "session_not_live"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
