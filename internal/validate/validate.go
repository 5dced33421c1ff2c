// Package validate checks configuration structs against their validate
// tags. Fields are reported by their yaml names.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once sync.Once
	v    *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return v
}

// Struct checks s and joins one error per failed field.
func Struct(s any) error {
	err := instance().Struct(s)
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	errs := make([]error, 0, len(fields))
	for _, fe := range fields {
		errs = append(errs, fieldError(fe))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	// drop the Go type name the namespace starts with
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		path = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "oneof":
		return fmt.Errorf("%s: %v is not one of %s", path, fe.Value(), fe.Param())
	case "gtfield", "gtefield", "ltfield", "ltefield":
		return fmt.Errorf("%s (%v) must be %s %s", path, fe.Value(), comparison(fe.Tag()), fe.Param())
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s (%v) must be %s %s", path, fe.Value(), comparison(fe.Tag()), fe.Param())
	}
	return fmt.Errorf("%s failed %s", path, fe.Tag())
}

func comparison(tag string) string {
	switch strings.TrimSuffix(tag, "field") {
	case "gt":
		return ">"
	case "gte", "min":
		return ">="
	case "lt":
		return "<"
	case "lte", "max":
		return "<="
	}
	return tag
}
