package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors
// 12000-12999: Job lifecycle errors
// 13000-13999: Claim & judge protocol errors
// 14000-14999: Stage execution errors
// 15000-15999: Upstream channel errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Storage errors (10100-10199)
	StorageError   ErrorCode = 10100
	DatabaseError  ErrorCode = 10101
	CacheError     ErrorCode = 10102
	CorruptedState ErrorCode = 10103

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Auth Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11000
	TokenInvalid ErrorCode = 11001
	RoleMismatch ErrorCode = 11002

	// ========== Job Lifecycle Errors (12000-12999) ==========

	JobNotFound        ErrorCode = 12000
	JobAlreadyFinished ErrorCode = 12001
	JobInvalidState    ErrorCode = 12002
	JobInputNotFound   ErrorCode = 12003
	JobCancelled       ErrorCode = 12004

	// ========== Claim & Judge Protocol Errors (13000-13999) ==========

	ClaimMismatch  ErrorCode = 13000
	ClaimNotFound  ErrorCode = 13001
	OffsetMismatch ErrorCode = 13002
	LogCapReached  ErrorCode = 13003

	// ========== Stage Execution Errors (14000-14999) ==========

	GenerateFailed      ErrorCode = 14000
	TestFailed          ErrorCode = 14001
	ArtifactMissing     ErrorCode = 14002
	SecretLeakDetected  ErrorCode = 14003
	RetriesExhausted    ErrorCode = 14004
	ExecutorUnavailable ErrorCode = 14005
	ContainerMissing    ErrorCode = 14006
	LocalProcessMissing ErrorCode = 14007
	JudgeLost           ErrorCode = 14008

	// ========== Upstream Channel Errors (15000-15999) ==========

	ChannelUnknown    ErrorCode = 15000
	ChannelDisabled   ErrorCode = 15001
	ChannelMissingKey ErrorCode = 15002
	ChannelMissingURL ErrorCode = 15003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Storage
	StorageError:   "Storage operation failed",
	DatabaseError:  "Database operation failed",
	CacheError:     "Cache operation failed",
	CorruptedState: "Stored state is corrupted",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",
	RoleMismatch: "Operation not allowed for this role",

	// Job
	JobNotFound:        "Job not found",
	JobAlreadyFinished: "Job has already finished",
	JobInvalidState:    "Job is not in a valid state for this operation",
	JobInputNotFound:   "Job input file not found",
	JobCancelled:       "Job was cancelled",

	// Claim
	ClaimMismatch:  "Claim does not match the current owner",
	ClaimNotFound:  "Claim not found",
	OffsetMismatch: "Log offset mismatch",
	LogCapReached:  "Log size limit reached",

	// Stage
	GenerateFailed:      "Generate stage failed",
	TestFailed:          "Test stage failed",
	ArtifactMissing:     "Expected artifact is missing",
	SecretLeakDetected:  "Generated artifacts contained an upstream secret",
	RetriesExhausted:    "All attempts failed",
	ExecutorUnavailable: "Executor is unavailable",
	ContainerMissing:    "Stage container is missing",
	LocalProcessMissing: "Local stage process is missing",
	JudgeLost:           "Judge worker stopped reporting",

	// Channel
	ChannelUnknown:    "Unknown upstream channel",
	ChannelDisabled:   "Upstream channel is disabled",
	ChannelMissingKey: "Upstream channel has no api key",
	ChannelMissingURL: "Upstream channel has no base url",
}

// errorNames maps error codes to the stable names exposed on the wire and
// recorded in JobState.error.code.
var errorNames = map[ErrorCode]string{
	Success:             "ok",
	InternalServerError: "internal_error",
	InvalidParams:       "bad_request",
	NotFound:            "not_found",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	TooManyRequests:     "too_many_requests",
	ServiceUnavailable:  "service_unavailable",
	Timeout:             "timeout",
	StorageError:        "storage_error",
	DatabaseError:       "database_error",
	CacheError:          "cache_error",
	CorruptedState:      "corrupted_state",
	ValidationFailed:    "validation_failed",
	InvalidFormat:       "invalid_format",
	InvalidValue:        "invalid_value",
	RequiredFieldEmpty:  "required_field_empty",
	TokenExpired:        "token_expired",
	TokenInvalid:        "token_invalid",
	RoleMismatch:        "role_mismatch",
	JobNotFound:         "job_not_found",
	JobAlreadyFinished:  "already_finished",
	JobInvalidState:     "invalid_state",
	JobInputNotFound:    "input_not_found",
	JobCancelled:        "cancelled",
	ClaimMismatch:       "claim_mismatch",
	ClaimNotFound:       "claim_not_found",
	OffsetMismatch:      "offset_mismatch",
	LogCapReached:       "log_cap_reached",
	GenerateFailed:      "generate_failed",
	TestFailed:          "test_failed",
	ArtifactMissing:     "artifact_missing",
	SecretLeakDetected:  "secret_leak_detected",
	RetriesExhausted:    "retries_exhausted",
	ExecutorUnavailable: "executor_unavailable",
	ContainerMissing:    "container_missing",
	LocalProcessMissing: "local_process_missing",
	JudgeLost:           "judge_lost",
	ChannelUnknown:      "channel_unknown",
	ChannelDisabled:     "channel_disabled",
	ChannelMissingKey:   "channel_missing_key",
	ChannelMissingURL:   "channel_missing_url",
}

// Category groups error codes into the fault classes callers branch on.
type Category string

const (
	CategoryNone       Category = ""
	CategoryBadRequest Category = "bad_request"
	CategoryNotFound   Category = "not_found"
	CategoryPermission Category = "permission"
	CategoryConflict   Category = "conflict"
	CategoryStage      Category = "stage"
	CategoryInternal   Category = "internal"
)

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Name returns the stable snake_case identifier of the code.
func (c ErrorCode) Name() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return "unknown_error"
}

// CodeByName resolves a wire name back into an ErrorCode.
func CodeByName(name string) (ErrorCode, bool) {
	for code, n := range errorNames {
		if n == name {
			return code, true
		}
	}
	return InternalServerError, false
}

// Category returns the fault class of the code.
func (c ErrorCode) Category() Category {
	switch {
	case c == Success:
		return CategoryNone
	case c == NotFound, c == JobNotFound, c == JobInputNotFound, c == ClaimNotFound:
		return CategoryNotFound
	case c == Unauthorized, c == Forbidden, c == ClaimMismatch, c >= 11000 && c < 12000:
		return CategoryPermission
	case c == InvalidParams, c >= 10300 && c < 10400:
		return CategoryBadRequest
	case c == JobAlreadyFinished, c == JobInvalidState, c == OffsetMismatch, c == LogCapReached:
		return CategoryConflict
	case c >= 14000 && c < 16000:
		return CategoryStage
	default:
		return CategoryInternal
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == ExecutorUnavailable:
		return 503
	}
	switch c.Category() {
	case CategoryNotFound:
		return 404
	case CategoryPermission:
		return 403
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	default:
		return 500
	}
}
