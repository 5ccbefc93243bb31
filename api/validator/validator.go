package validator

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Validator validates request bodies and path values.
type Validator struct {
	cli *validator.Validate
}

// ValidationError represents an error encountered during validation of a
// field. Field is the JSON name of the field when it has one.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "notblank":
		return "must not be blank"
	case "participant":
		return "must be a participant id"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be an email address"
	}
	return fmt.Sprintf("failed the %q check", fe.Tag())
}

func (v *Validator) formatError(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: message(fe),
		})
	}
	return out
}

// ValidateStruct validates s and returns one error per failing field.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks value against tag.
func (v *Validator) Validate(value any, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return v.formatError(err)
	}
	return nil
}

// maxParticipantLen bounds participant identifiers.
const maxParticipantLen = 128

// isParticipant accepts identifiers without whitespace or path separators.
func isParticipant(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > maxParticipantLen {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' || r == '\\'
	})
}

// New returns a validator that reports JSON field names and knows the
// notblank and participant tags.
func New() *Validator {
	cli := validator.New(validator.WithRequiredStructEnabled())
	cli.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = cli.RegisterValidation("notblank", validators.NotBlank)
	_ = cli.RegisterValidation("participant", isParticipant)
	return &Validator{
		cli: cli,
	}
}
