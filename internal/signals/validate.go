// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package signals

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tomtom215/vigil/internal/validation"
)

// ErrValidation is matched by every ValidationError via errors.Is.
var ErrValidation = errors.New("invalid signal")

// ValidationError reports a malformed signal. It is returned synchronously
// to the publisher and the signal is never stored.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid signal: %s", e.Reason)
	}
	return fmt.Sprintf("invalid signal: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Unwrap exposes the underlying validator error.
func (e *ValidationError) Unwrap() error {
	return e.cause
}

var registerOnce sync.Once

func registerValidators() {
	registerOnce.Do(func() {
		validation.Register("signal_type", func(fl validator.FieldLevel) bool {
			return Type(fl.Field().String()).Valid()
		}, "%s must be a known signal type")
		validation.Register("severity", func(fl validator.FieldLevel) bool {
			return Severity(fl.Field().String()).Valid()
		}, "%s must be one of critical, high, medium, low")
	})
}

// Validate checks a signal at the ingestion boundary. Unknown types or
// severities are rejected, never coerced.
func Validate(sig *Signal) error {
	registerValidators()

	err := validation.ValidateStruct(sig)
	if err == nil {
		return nil
	}

	var verrs *validation.Errors
	if errors.As(err, &verrs) && len(verrs.Fields()) > 0 {
		first := verrs.Fields()[0]
		return &ValidationError{Field: first.Field(), Reason: err.Error(), cause: err}
	}
	return &ValidationError{Reason: err.Error(), cause: err}
}

// ParseType converts user input into a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "Type", Reason: fmt.Sprintf("unknown signal type %q", s)}
	}
	return t, nil
}

// ParseSeverity converts user input into a Severity, rejecting unknown values.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", &ValidationError{Field: "Severity", Reason: fmt.Sprintf("unknown severity %q", s)}
	}
	return sev, nil
}
