package core

import (
	"errors"
	"fmt"
)

// Code is the pipeline error taxonomy. Credential codes are request-fatal
// and never retried; dependency codes are only ever produced by the
// degradation controller, never surfaced as raw failures.
type Code string

const (
	CodeSignatureInvalid      Code = "SignatureInvalid"
	CodeExpired               Code = "Expired"
	CodeAudienceMismatch      Code = "AudienceMismatch"
	CodeProofMismatch         Code = "ProofMismatch"
	CodeClockSkew             Code = "ClockSkew"
	CodeReplayDetected        Code = "ReplayDetected"
	CodePolicyUnavailable     Code = "PolicyUnavailable"
	CodeDelegationUnavailable Code = "DelegationUnavailable"
	CodeConsentTimeout        Code = "ConsentTimeout"
	CodeInternalError         Code = "InternalError"
)

// DenyError carries a taxonomy code through the pipeline. The pipeline
// converts it to a deny Decision at the boundary; callers never see a raw
// error for these.
type DenyError struct {
	Code   Code
	Detail string
	Err    error
}

func (e *DenyError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *DenyError) Unwrap() error { return e.Err }

// Denyf builds a DenyError with a formatted detail message.
func Denyf(code Code, format string, args ...any) *DenyError {
	return &DenyError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// DenyWrap builds a DenyError wrapping an underlying cause.
func DenyWrap(code Code, err error) *DenyError {
	return &DenyError{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf extracts the taxonomy code from err, or InternalError when err is
// not a DenyError.
func CodeOf(err error) Code {
	var de *DenyError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var de *DenyError
	return errors.As(err, &de) && de.Code == code
}
