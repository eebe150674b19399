// Package alertmapping decides which alert event_type a scored failed-login
// attempt should be classified as, before handing off to internal/alerts for
// severity/description lookup and formatting.
//
// This mirrors the classification judgement calls scattered through
// original_source/src/detector.py and alerts.py: a single attempt is
// "info", repeated attempts without a burst are "suspicious_activity", a
// bursting source is "multiple_failures", and a bursting source with ten or
// more attempts is "critical_anomaly". The score argument does not affect
// the result.
package alertmapping

// ClassifyFailedLogin maps a scored attempt to one of the event_type values
// understood by alerts.GenerateAlert's severity_map: "info",
// "suspicious_activity", "multiple_failures", "critical_anomaly".
func ClassifyFailedLogin(score float64, burst bool, attemptCount int) string {
	switch {
	case burst && attemptCount >= 10:
		return "critical_anomaly"
	case burst:
		return "multiple_failures"
	case attemptCount > 1:
		return "suspicious_activity"
	default:
		return "info"
	}
}
