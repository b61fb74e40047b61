package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrProviderDisabled   = errors.New("provider_disabled")
	ErrNotConfigured      = errors.New("provider_not_configured")
	ErrInvalidDestination = errors.New("invalid_destination")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrEventIgnored       = errors.New("event_ignored")

	ErrTransient = errors.New("transient_provider_error")
	ErrPermanent = errors.New("permanent_provider_error")
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified provider failure. Transient errors may be retried against
// the same provider; permanent ones may not.
type Error struct {
	Kind     ErrorKind
	Provider string
	Code     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s error %s: %v", e.Provider, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error %s", e.Provider, e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

func Transient(provider, code string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Code: code, Err: err}
}

func Permanent(provider, code string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: provider, Code: code, Err: err}
}

// IsPermanent reports a non-retryable failure. Anything unclassified is treated as
// transient by callers.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

func IsTransient(err error) bool { return err != nil && !IsPermanent(err) }

// Code returns the provider error code, or "" for unclassified errors.
func Code(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
