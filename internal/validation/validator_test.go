// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestGetValidator_Singleton(t *testing.T) {
	v1 := GetValidator()
	v2 := GetValidator()
	if v1 == nil || v1 != v2 {
		t.Error("GetValidator() should return the same non-nil instance")
	}
}

type sample struct {
	Name       string  `validate:"required,max=8"`
	Confidence float64 `validate:"gte=0,lte=1"`
	Mode       string  `validate:"omitempty,oneof=json console"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name      string
		input     sample
		wantErr   bool
		wantField string
		wantMsg   string
	}{
		{name: "valid", input: sample{Name: "svcA", Confidence: 0.5}},
		{name: "missing name", input: sample{Confidence: 0.5}, wantErr: true, wantField: "Name", wantMsg: "Name is required"},
		{name: "name too long", input: sample{Name: "abcdefghij"}, wantErr: true, wantField: "Name", wantMsg: "at most 8 characters"},
		{name: "confidence above one", input: sample{Name: "a", Confidence: 1.5}, wantErr: true, wantField: "Confidence", wantMsg: "less than or equal to 1"},
		{name: "bad oneof", input: sample{Name: "a", Mode: "xml"}, wantErr: true, wantField: "Mode", wantMsg: "must be one of: json console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.input)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verrs *Errors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected *Errors, got %T (%v)", err, err)
			}
			if verrs.Fields()[0].Field() != tt.wantField {
				t.Errorf("field = %s, want %s", verrs.Fields()[0].Field(), tt.wantField)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("message %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

type colored struct {
	Color string `validate:"test_color"`
}

func TestRegister_CustomTag(t *testing.T) {
	Register("test_color", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "red"
	}, "%s must be red")

	if err := ValidateStruct(&colored{Color: "red"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateStruct(&colored{Color: "blue"})
	if err == nil || err.Error() != "Color must be red" {
		t.Fatalf("expected custom message, got %v", err)
	}
}
