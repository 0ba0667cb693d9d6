// Package validation holds the checks applied to every checkout request
// before a transaction is persisted or a gateway is called.
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxAmount is the largest amount a single transaction may carry.
var MaxAmount = decimal.NewFromInt(50000)

// ValidationError is a caller mistake scoped to one request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ValidateAmount reports whether x lies in (0, MaxAmount].
func ValidateAmount(x decimal.Decimal) bool {
	return x.IsPositive() && x.LessThanOrEqual(MaxAmount)
}

// CheckAmount is ValidateAmount returning a field-scoped error.
func CheckAmount(field string, x decimal.Decimal) error {
	if !x.IsPositive() {
		return fieldError(field, "must be greater than zero")
	}
	if x.GreaterThan(MaxAmount) {
		return fieldError(field, "must not exceed "+MaxAmount.String())
	}
	return nil
}

// AmountFromFloat converts a JSON number into a decimal, refusing NaN and
// infinities which decimal cannot represent.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fieldError("amount", "must be a finite number")
	}
	return decimal.NewFromFloat(f), nil
}

// Mozambican mobile numbers: 9 digits starting 84-87, optionally prefixed
// with the 258 country code.
var phonePattern = regexp.MustCompile(`^(\+?258)?(8[4-7]\d{7})$`)

func compactPhone(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(s))
}

func ValidatePhone(s string) bool {
	return phonePattern.MatchString(compactPhone(s))
}

// NormalizePhone returns the 9-digit local form of a valid number.
func NormalizePhone(s string) (string, bool) {
	m := phonePattern.FindStringSubmatch(compactPhone(s))
	if m == nil {
		return "", false
	}
	return m[2], true
}

var (
	angleBrackets = regexp.MustCompile(`[<>]`)
	jsScheme      = regexp.MustCompile(`(?i)javascript:`)
	eventHandler  = regexp.MustCompile(`(?i)on\w+=`)
)

// Sanitize strips markup that could execute when the value is later
// rendered. It does not replace output encoding.
func Sanitize(s string) string {
	s = angleBrackets.ReplaceAllString(s, "")
	s = jsScheme.ReplaceAllString(s, "")
	s = eventHandler.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Validator runs struct-tag validation with the custom rules used by the
// checkout request types.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// decimal fields are validated through their float value so the
	// standard gt/lte tags apply.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("mzphone", func(fl validator.FieldLevel) bool {
		return ValidatePhone(fl.Field().String())
	})

	return &Validator{v: v}
}

// Struct validates s and returns the first failing field as a
// *ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate: %w", err)
	}
	fe := verrs[0]
	return fieldError(fe.Field(), describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "mzphone":
		return "must be a valid M-Pesa or e-Mola number"
	case "email":
		return "must be a valid email address"
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must not exceed " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
