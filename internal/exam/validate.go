package exam

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// Check validates a struct against its `validate` tags and reports the
// first failure as a *ValidationError.
func Check(v any) error {
	err := validate.Struct(v)
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		return fieldError(fields[0])
	}
	return err
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	var msg string
	switch fe.Tag() {
	case "required", "notblank":
		msg = "required"
	case "required_if":
		msg = "required when " + strings.Replace(fe.Param(), " ", " is ", 1)
	case "gt":
		msg = "must be greater than " + fe.Param()
	case "gtfield":
		msg = "must be after " + fe.Param()
	case "oneof":
		msg = "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "unique":
		msg = "duplicate " + fe.Param()
	default:
		msg = "failed " + fe.Tag()
	}
	return &ValidationError{Field: field, Msg: msg}
}
