package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newCodedError creates an Error using the registered description for code
func newCodedError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeInvalidPort           = "E2007"
	ErrCodeUpstreamConnectFailed = "E2010"

	// Handshake Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeMalformedConnect        = "E4012"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Internal and System Errors (E9900-E9999)
	ErrCodePanicRecovered = "E9903"
	ErrCodeRecordFailed   = "E9906"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeInvalidPort:           "Invalid port number",
	ErrCodeUpstreamConnectFailed: "Failed to connect to target server",

	ErrCodeHTTPRequestReadFailed:   "Failed to read CONNECT request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write handshake response",
	ErrCodeMalformedConnect:        "Malformed or non-CONNECT request",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",

	ErrCodePanicRecovered: "Recovered from panic in tunnel handler",
	ErrCodeRecordFailed:   "Failed to persist connection record",
}

// GetErrorDescription returns the description for an error code
func GetErrorDescription(code string) string {
	if desc, ok := ErrorDescriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
