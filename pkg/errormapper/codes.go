package errormapper

const (
	// Callback outcomes
	CodeSuccess          = "SUCCESS"
	CodeAlreadyProcessed = "ALREADY_PROCESSED"
	CodeNotFound         = "NOT_FOUND"
	CodePaymentFailed    = "PAYMENT_FAILED" // gateway reported a non-zero result
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeAmountMismatch   = "AMOUNT_MISMATCH"

	// Router / provisioning failures
	CodeProvisionRejected = "PROVISION_REJECTED" // router !trap
	CodeRouterUnavailable = "ROUTER_UNAVAILABLE"
	CodeRouterAuthFailed  = "ROUTER_AUTH_FAILED"
	CodeRouterProtocol    = "ROUTER_PROTOCOL"
	CodeUnknownPlan       = "UNKNOWN_PLAN"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeDuplicate         = "DUPLICATE"

	// System errors
	CodeLockTimeout = "LOCK_TIMEOUT"
	CodeDatabase    = "DB_ERR"
	CodeSystemError = "SYS_ERR"
)
