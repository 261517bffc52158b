// Package validator checks operator API requests. Messages are keyed by the
// json field name the caller sent.
package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type RequestValidator struct {
	validate *validator.Validate
}

func New() *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &RequestValidator{validate: v}
}

func (v *RequestValidator) Validate(req interface{}) error {
	return v.validate.Struct(req)
}

// Fields turns a validation error into field -> message. Any other error
// yields an empty map.
func (v *RequestValidator) Fields(err error) map[string]string {
	out := make(map[string]string)

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out
	}
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			out[field] = "is required"
		case "required_without":
			out[field] = "is required when " + e.Param() + " is empty"
		case "datetime":
			out[field] = "must be a date in " + e.Param() + " form"
		case "oneof":
			out[field] = "must be one of " + strings.Join(strings.Fields(e.Param()), ", ")
		case "max":
			out[field] = "must be at most " + e.Param() + " characters"
		default:
			out[field] = "is invalid"
		}
	}
	return out
}
