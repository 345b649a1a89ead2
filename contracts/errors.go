package contracts

import (
	"fmt"
)

// Error codes carried in ErrorReply
const (
	ErrorCodeInvalidLead = "INVALID_LEAD"
	ErrorCodeNotFound    = "NOT_FOUND"
	ErrorCodeInternal    = "INTERNAL_ERROR"
	ErrorCodeBadRequest  = "BAD_REQUEST"
	ErrorCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorReply is the JSON body of an HTTP error response
type ErrorReply struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// NewErrorReply creates a new error reply
func NewErrorReply(errorCode, errorMessage string) *ErrorReply {
	return &ErrorReply{
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

// Error implements error so a decoded reply can be returned directly
func (e *ErrorReply) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.ErrorMessage)
}
