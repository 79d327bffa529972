package arenaproto

import "errors"

type Code string

const (
	CodeNotFound         Code = "NotFound"
	CodeNotActive        Code = "NotActive"
	CodeNotAParticipant  Code = "NotAParticipant"
	CodeWrongTurn        Code = "WrongTurn"
	CodeIllegalMove      Code = "IllegalMove"
	CodeSessionFull      Code = "SessionFull"
	CodeAlreadyQueued    Code = "AlreadyQueued"
	CodeInvalidState     Code = "InvalidState"
	CodeBadRequest       Code = "BadRequest"
	CodeUnauthorized     Code = "Unauthorized"
	CodeStoreUnavailable Code = "StoreUnavailable"
	CodeQueueUnavailable Code = "QueueUnavailable"
	CodeInternal         Code = "Internal"
)

// DomainError is an error that carries a client-facing code. Packages
// declare their sentinels as *DomainError so the gateway can report them
// without knowing every package.
type DomainError struct {
	Code      Code
	Message   string
	Retryable bool
}

func NewError(code Code, message string, retryable bool) *DomainError {
	return &DomainError{Code: code, Message: message, Retryable: retryable}
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "arena error"
}

// CodeOf returns the wire code of the first DomainError in err's chain, or
// CodeInternal.
func CodeOf(err error) (Code, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code, de.Retryable
	}
	return CodeInternal, false
}
