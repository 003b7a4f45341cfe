package utils

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/atlas/pkg/errors"
)

var defaultValidator = newValidator()

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// username: letters, digits and ._@- ; must start alphanumeric
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateStruct checks the `validate` tags of s. Violations are reported as one
// ErrInvalidRequest whose metadata maps snake_case field names to messages.
func ValidateStruct(s interface{}) errors.AtlasError {
	err := defaultValidator.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.ErrInvalidRequest(err.Error())
	}

	msgs := make([]string, 0, len(fieldErrs))
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		name := toSnakeCase(fe.Field())
		fields[name] = formatValidationError(fe)
		msgs = append(msgs, name+" "+fields[name])
	}
	sort.Strings(msgs)
	out := errors.ErrInvalidRequest(strings.Join(msgs, "; "))
	for name, msg := range fields {
		out = out.WithMetadata(name, msg)
	}
	return out
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "username":
		return "may only contain letters, digits and ._@-"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}

var (
	matchFirstCap = regexp.MustCompile("(.)([A-Z][a-z]+)")
	matchAllCap   = regexp.MustCompile("([a-z0-9])([A-Z])")
)

// toSnakeCase converts CamelCase field names to snake_case.
func toSnakeCase(str string) string {
	snake := matchFirstCap.ReplaceAllString(str, "${1}_${2}")
	snake = matchAllCap.ReplaceAllString(snake, "${1}_${2}")
	return strings.ToLower(snake)
}
