package core

// Severity classifies how serious a security event, anomaly or incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityWeights orders severities for comparison and scoring.
var severityWeights = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Weight returns the numeric rank of the severity (higher is worse).
// Unknown severities rank below low.
func (s Severity) Weight() int {
	return severityWeights[s]
}

// IsValid reports whether s is one of the defined severities.
func (s Severity) IsValid() bool {
	_, ok := severityWeights[s]
	return ok
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Weight() >= other.Weight()
}

// Category groups events, anomalies and incidents by the part of the
// system they concern. Categories key behavioral baselines and response
// templates.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryPayment        Category = "payment"
	CategoryAccessControl  Category = "access_control"
	CategoryDataProtection Category = "data_protection"
	CategorySystem         Category = "system"
)

// IsValid reports whether c is one of the defined categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryAuthentication, CategoryPayment, CategoryAccessControl,
		CategoryDataProtection, CategorySystem:
		return true
	}
	return false
}

// Well-known event type keys. Producers are free to emit others; these
// are the keys the relevance filter and the detector reason about.
const (
	EventKeyAuthFailure     = "authentication.failure"
	EventKeyAuthSuccess     = "authentication.success"
	EventKeyPaymentFailure  = "payment.failure"
	EventKeyPaymentSuccess  = "payment.success"
	EventKeyAccessDenied    = "access_control.denied"
	EventKeySensitiveChange = "data_protection.modification"
	EventKeyRuleTriggered   = "rule.triggered"
	EventKeyIntegrityBreach = "system.integrity_breach"
)

// CategoryForEventType maps an event type string to a category.
// Unrecognized types fall into the system category.
func CategoryForEventType(eventType string) Category {
	switch eventType {
	case "authentication":
		return CategoryAuthentication
	case "payment":
		return CategoryPayment
	case "access_control":
		return CategoryAccessControl
	case "data_protection":
		return CategoryDataProtection
	default:
		return CategorySystem
	}
}
