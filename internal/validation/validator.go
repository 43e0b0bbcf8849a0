// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package validation provides struct validation using go-playground/validator v10.
//
// A single validator instance is shared process-wide (it caches struct
// metadata). Packages that own closed enums register their own tags with
// Register, so signal types and severities are rejected at the boundary
// instead of being silently coerced:
//
//	validation.Register("severity", func(fl validator.FieldLevel) bool {...}, "%s must be a known severity")
//	if err := validation.ValidateStruct(&sig); err != nil { ... }
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	templatesMu sync.RWMutex
)

// FieldError describes a single field that failed validation.
type FieldError struct {
	field   string
	tag     string
	param   string
	value   interface{}
	message string
}

// Field returns the struct field name that failed validation.
func (e *FieldError) Field() string { return e.field }

// Tag returns the validation tag that failed.
func (e *FieldError) Tag() string { return e.tag }

// Param returns the parameter for the validation tag (e.g., "1" for "lte=1").
func (e *FieldError) Param() string { return e.param }

// Value returns the actual value that failed validation.
func (e *FieldError) Value() interface{} { return e.value }

// Error returns a human-readable error message.
func (e *FieldError) Error() string { return e.message }

// Errors is a collection of field errors returned by ValidateStruct.
type Errors struct {
	fields []FieldError
}

// Fields returns the individual field errors.
func (ve *Errors) Fields() []FieldError {
	return ve.fields
}

// Error implements the error interface, returning a combined error message.
func (ve *Errors) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(ve.fields))
	for i := range ve.fields {
		messages = append(messages, ve.fields[i].Error())
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the singleton validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Register adds a custom validation tag with its error message template.
// The template receives the field name as its only %s argument.
// Registering the same tag twice replaces the previous function.
func Register(tag string, fn validator.Func, template string) {
	if err := GetValidator().RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
	if template != "" {
		templatesMu.Lock()
		errorMessageTemplates[tag] = template
		templatesMu.Unlock()
	}
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or *Errors if validation fails.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &Errors{fields: []FieldError{{field: "unknown", tag: "unknown", message: err.Error()}}}
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fe := range validationErrs {
		fields[i] = FieldError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			param:   fe.Param(),
			value:   fe.Value(),
			message: translateError(fe),
		}
	}
	return &Errors{fields: fields}
}

// errorMessageTemplates maps validation tags to message templates that take the field name.
var errorMessageTemplates = map[string]string{
	"required": "%s is required",
	"url":      "%s must be a valid URL",
	"hostname": "%s must be a valid hostname",
}

// errorMessageWithParam maps validation tags to templates that include the tag param.
var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
}

func translateError(fe validator.FieldError) string {
	field := fe.Field()
	tag := fe.Tag()
	param := fe.Param()

	templatesMu.RLock()
	template, ok := errorMessageTemplates[tag]
	templatesMu.RUnlock()
	if ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}

	isString := fe.Kind().String() == "string"
	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
