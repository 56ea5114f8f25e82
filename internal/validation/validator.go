package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

// Validator validates structs using `validate` tags.
//
// Rules: required, email, min=N, max=N (string length, slice length or
// numeric value), hhmm (24h feeding time, applied to strings and string
// slices) and oneof=a b c.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError names the offending field and rule
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			err.Field = fieldName(fieldType)
			return err
		}
	}

	return nil
}

func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) *FieldError {
	// a non-nil pointer satisfies required even when it points at a zero value
	pointer := field.Kind() == reflect.Ptr
	if pointer {
		if field.IsNil() {
			if hasRule(tag, "required") {
				return &FieldError{Rule: "required", Msg: "field is required"}
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if !pointer && field.IsZero() {
				return &FieldError{Rule: ruleName, Msg: "field is required"}
			}

		case "email":
			if field.Kind() == reflect.String && field.Len() > 0 {
				local, domain, ok := strings.Cut(field.String(), "@")
				if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
					return &FieldError{Rule: ruleName, Msg: "invalid email format"}
				}
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				continue
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && size < limit {
				return &FieldError{Rule: ruleName, Msg: "minimum is " + arg}
			}
			if ruleName == "max" && size > limit {
				return &FieldError{Rule: ruleName, Msg: "maximum is " + arg}
			}

		case "hhmm":
			if err := checkTimes(field); err != nil {
				return err
			}

		case "oneof":
			if field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return &FieldError{Rule: ruleName, Msg: "must be one of " + strings.Join(allowed, ", ")}
			}
		}
	}

	return nil
}

func hasRule(tag, name string) bool {
	for _, rule := range strings.Split(tag, ",") {
		if r, _, _ := strings.Cut(rule, "="); r == name {
			return true
		}
	}
	return false
}

func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.String:
		return float64(len([]rune(field.String()))), true
	case reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	}
	return 0, false
}

func checkTimes(field reflect.Value) *FieldError {
	bad := &FieldError{Rule: "hhmm", Msg: "invalid time format, use HH:MM"}
	switch field.Kind() {
	case reflect.String:
		if field.Len() > 0 && !models.ValidFeedingTime(field.String()) {
			return bad
		}
	case reflect.Slice:
		for i := 0; i < field.Len(); i++ {
			el := field.Index(i)
			if el.Kind() != reflect.String || !models.ValidFeedingTime(el.String()) {
				return bad
			}
		}
	}
	return nil
}
