package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var targetPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidationError reports an envelope or caller input that failed validation.
// Nothing is published or executed when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("target", func(fl validator.FieldLevel) bool {
		return ValidTarget(fl.Field().String())
	})
	_ = v.RegisterValidation("command", func(fl validator.FieldLevel) bool {
		return Command(fl.Field().String()).Valid()
	})
	return v
}

// ValidTarget reports whether s satisfies the restricted target token grammar.
func ValidTarget(s string) bool {
	return targetPattern.MatchString(s)
}

// Validate checks every field of the request envelope.
func (r *CommandRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Reason: "is required"}
	case "uuid":
		return &ValidationError{Field: field, Reason: "must be a UUID"}
	case "command":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported command %q", fe.Value())}
	case "target":
		return &ValidationError{Field: field, Reason: "must contain only letters, digits, '.', '_' or '-'"}
	case "max":
		return &ValidationError{Field: field, Reason: "is too long"}
	default:
		return &ValidationError{Field: field, Reason: fe.Error()}
	}
}

// NewRequest validates caller input and builds a request envelope.
// Only the "target" key of cfg is read; it must be a non-empty string when present.
func NewRequest(requestID, command string, cfg map[string]any) (*CommandRequest, error) {
	cmd, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}

	req := &CommandRequest{RequestID: requestID, Command: cmd}
	if raw, ok := cfg["target"]; ok && raw != nil {
		target, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: "config.target", Reason: "must be a string"}
		}
		if target == "" {
			return nil, &ValidationError{Field: "config.target", Reason: "must not be empty"}
		}
		req.Config.Target = target
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
