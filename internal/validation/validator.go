// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package validation wraps go-playground/validator v10 with a shared
// instance, the custom tags the engine needs and readable messages.
//
// Custom tags:
//
//	wsurl   an absolute ws:// or wss:// URL
//
// Example:
//
//	type SignUp struct {
//	    Email string `validate:"required,email"`
//	}
//	if err := validation.ValidateStruct(&req); err != nil {
//	    return err.AppError()
//	}
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/lenssync/internal/envelope"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

// Error is the set of rules a struct failed.
type Error struct {
	Fields []FieldError
}

// Error implements error.
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// AppError converts the failure to the envelope error a server would send
// for the same input.
func (e *Error) AppError() envelope.AppError {
	return envelope.AppError{Name: envelope.ErrorValidation, Message: e.Error()}
}

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("wsurl", isWebSocketURL)
	})
	return validate
}

func isWebSocketURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// ValidateStruct checks s against its validate tags. It returns nil or an
// *Error.
func ValidateStruct(s any) *Error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}

	out := &Error{Fields: make([]FieldError, len(verrs))}
	for i, fe := range verrs {
		out.Fields[i] = FieldError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translate(fe),
		}
	}
	return out
}

var messages = map[string]string{
	"required":      "%s is required",
	"email":         "%s must be a valid email address",
	"wsurl":         "%s must be a ws:// or wss:// URL",
	"hostname_port": "%s must be host:port",
	"dir":           "%s must be an existing directory",
}

var messagesWithParam = map[string]string{
	"oneof":           "%s must be one of: %s",
	"gte":             "%s must be greater than or equal to %s",
	"lte":             "%s must be less than or equal to %s",
	"gt":              "%s must be greater than %s",
	"lt":              "%s must be less than %s",
	"len":             "%s must have length %s",
	"gtefield":        "%s must be greater than or equal to %s",
	"required_unless": "%s is required unless %s",
}

func translate(fe validator.FieldError) string {
	field := fe.Namespace()
	if t, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(t, field)
	}
	if t, ok := messagesWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(t, field, fe.Param())
	}

	isString := fe.Kind().String() == "string"
	switch fe.Tag() {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
