package warning

import "time"

// Severity levels for warnings
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Warning categories raised by the relay
const (
	CategorySpoofed          = "SPOOFED_NOTIFICATION"
	CategoryProviderRejected = "PROVIDER_REJECTED"
	CategoryDelivery         = "DELIVERY"
	CategoryRenewal          = "RENEWAL"
	CategorySubscription     = "SUBSCRIPTION"
	CategoryHealth           = "HEALTH"
)

// Warning represents an operator-visible notification about a problem
type Warning struct {
	// ID is the unique warning identifier (UUID)
	ID string `json:"id"`

	// Category is the warning category (e.g., SPOOFED_NOTIFICATION)
	Category string `json:"category"`

	// Severity is the severity level (CRITICAL, ERROR, WARNING, INFO)
	Severity string `json:"severity"`

	// Message describes the issue
	Message string `json:"message"`

	// Timestamp is when the warning was first raised
	Timestamp time.Time `json:"timestamp"`

	// Source is the component that raised the warning
	Source string `json:"source"`

	// Count is how many times the same warning repeated within the
	// suppression window
	Count int `json:"count"`

	// Acknowledged indicates if the warning has been acknowledged
	Acknowledged bool `json:"acknowledged"`
}
