package workflow

import "strings"

const (
	AlertStatusActive      = "ACTIVE"
	AlertStatusSent        = "SENT"
	AlertStatusNeutralised = "NEUTRALISED"
)

const (
	AlertEventDispatched  = "alert_dispatched"
	AlertEventNeutralised = "alert_neutralised"
)

var alertTransitions = map[string]map[string]string{
	AlertStatusActive: {
		AlertStatusSent:        AlertEventDispatched,
		AlertStatusNeutralised: AlertEventNeutralised,
	},
}

// NormalizeAlertStatus upper-cases the status and folds the US spelling of
// NEUTRALIZED into the canonical form.
func NormalizeAlertStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	if s == "NEUTRALIZED" {
		return AlertStatusNeutralised
	}
	return s
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeAlertStatus(fromStatus)
	toStatus = NormalizeAlertStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := alertTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeAlertStatus(fromStatus)
	toStatus = NormalizeAlertStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := alertTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsResolved reports whether status is one of the terminal statuses.
func IsResolved(status string) bool {
	switch NormalizeAlertStatus(status) {
	case AlertStatusSent, AlertStatusNeutralised:
		return true
	default:
		return false
	}
}

func AllAlertStatuses() []string {
	return []string{
		AlertStatusActive,
		AlertStatusSent,
		AlertStatusNeutralised,
	}
}
