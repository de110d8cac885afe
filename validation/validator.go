// Herald - CQRS Mediator and Reliable Messaging for Go
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package validation wraps go-playground/validator v10 behind a thread-safe
// singleton. The pipeline's validation behavior uses it to check `validate`
// struct tags on requests; hosts can reuse it for their own types.
//
// Example:
//
//	type CreateOrder struct {
//	    CustomerID string  `validate:"required,uuid4"`
//	    Quantity   int     `validate:"gte=1,lte=1000"`
//	    Email      string  `validate:"omitempty,email"`
//	}
//
//	if violations := validation.Violations(&req); len(violations) > 0 {
//	    return result.Invalid[OrderID](violations)
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Get returns the singleton validator. Initialized once; the instance caches
// struct metadata, so sharing it is both safe and faster.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Violations validates a struct (or pointer to struct) against its `validate`
// tags and returns human-readable messages, one per failed field. A nil slice
// means the value passed. Values that are not structs return nil: requests
// without tags simply have nothing to check.
func Violations(s any) []string {
	if s == nil {
		return nil
	}
	v := reflect.ValueOf(s)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		// InvalidValidationError or similar; report as a single violation.
		return []string{err.Error()}
	}

	out := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = translate(fe)
	}
	return out
}

// messageTemplates maps tags without parameters to message templates.
var messageTemplates = map[string]string{
	"required": "%s is required",
	"email":    "%s must be a valid email address",
	"url":      "%s must be a valid URL",
	"uuid":     "%s must be a valid UUID",
	"uuid4":    "%s must be a valid UUID",
	"datetime": "%s must be a valid date/time in RFC3339 format",
}

// paramTemplates maps tags whose parameter belongs in the message.
var paramTemplates = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
	"len":   "%s must have length %s",
}

// translate converts a validator.FieldError to a human-readable message.
func translate(fe validator.FieldError) string {
	field := fe.Field()
	tag := fe.Tag()
	param := fe.Param()

	if template, ok := messageTemplates[tag]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := paramTemplates[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}

	isString := fe.Kind() == reflect.String
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
