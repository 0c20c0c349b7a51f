package domain

// SessionState is the lifecycle state of one execution session.
//
// Pending -> Running -> {Completed | Failed | LimitExceeded | Cancelled}
type SessionState string

const (
	StatePending       SessionState = "Pending"
	StateRunning       SessionState = "Running"
	StateCompleted     SessionState = "Completed"
	StateFailed        SessionState = "Failed"
	StateLimitExceeded SessionState = "LimitExceeded"
	StateCancelled     SessionState = "Cancelled"
)

// Terminal reports whether the state seals the trace.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateLimitExceeded, StateCancelled:
		return true
	}
	return false
}

// Summary is the terminal metadata of a sealed trace.
type Summary struct {
	Reason      SessionState `json:"reason"`
	ReturnValue *Value       `json:"returnValue,omitempty"`
	TotalSteps  uint64       `json:"totalSteps"`
	ElapsedMs   int64        `json:"elapsedMs"`
	Console     string       `json:"console,omitempty"`

	// Limit names the ceiling that was breached when Reason is
	// LimitExceeded ("time_ceiling", "step_ceiling", "memory_ceiling").
	Limit string `json:"limit,omitempty"`

	// Fault carries the guest fault annotation when Reason is Failed.
	Fault *FaultDetail `json:"fault,omitempty"`

	// Internal marks an engine fault, distinct from guest faults.
	Internal bool `json:"internal,omitempty"`
}
