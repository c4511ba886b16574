package event

// Error codes surfaced to clients. Validation failures map onto these and
// never tear down the connection.
const (
	CodeAuthFailed    = "auth_failed"
	CodeBadPayload    = "bad_payload"
	CodeNotAuthorized = "not_authorized"
	CodeAlreadyInCall = "already_in_call"
	CodeNotFound      = "not_found"
	CodePersistFailed = "persist_failed"
	CodeRateLimited   = "rate_limited"
)

type Error struct {
	Type      Type   `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

func NewRetryableError(code, message string) Error {
	e := NewError(code, message)
	e.Retryable = true
	return e
}
