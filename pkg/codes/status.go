package codes

// Callback processing states
const (
	CallbackReceived     = "received"
	CallbackVerifying    = "verifying"
	CallbackProvisioning = "provisioning"
	CallbackFinalized    = "finalized"
	CallbackRejected     = "rejected"
)

// Status poll values returned to the portal. The first three mirror the
// stored transaction status.
const (
	PollPending   = "pending"
	PollCompleted = "completed"
	PollFailed    = "failed"
	PollNotFound  = "not_found"
	PollError     = "error"
)

// Gateway acknowledgement result codes
const (
	AckAccepted = 0 // gateway must not redeliver
	AckRejected = 1
)

// Router reachability, as shown by the connectivity probe
const (
	RouterReachable   = "reachable"
	RouterUnreachable = "unreachable"
)
