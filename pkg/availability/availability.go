package availability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Availability is a provider's schedule for one day. Slot capacity and
// consultation length only feed estimates, no booking is checked
// against them.
type Availability struct {
	DoctorId            string   `json:"doctor_id,omitempty"`
	Day                 string   `json:"day" validate:"required"`
	TimeSlots           []string `json:"time_slots" validate:"required,min=1,dive,required"`
	Available           bool     `json:"Available"`
	MaxPatients         Count    `json:"max_patients" validate:"required,gt=0"`
	AvgConsultationTime Count    `json:"avg_consultation_time" validate:"required,gt=0"`
}

// Count accepts both 5 and "5", browsers post number inputs as text.
type Count int

func (c *Count) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid count %s", data)
	}
	*c = Count(n)
	return nil
}

// FieldError mirrors one entry of a {"detail": [{"msg": ...}]} body.
type FieldError struct {
	Loc []string `json:"loc"`
	Msg string   `json:"msg"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		msgs = append(msgs, field.Msg)
	}
	return strings.Join(msgs, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate only checks that every field is present. Returns a
// *ValidationError listing each offending field.
func Validate(a *Availability) error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	result := &ValidationError{}
	for _, fieldErr := range fieldErrs {
		result.Fields = append(result.Fields, FieldError{
			Loc: []string{"body", fieldErr.Field()},
			Msg: describe(fieldErr),
		})
	}
	return result
}

func describe(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%v: field required", fieldErr.Field())
	case "min":
		return fmt.Sprintf("%v: must contain at least %v item", fieldErr.Field(), fieldErr.Param())
	case "gt":
		return fmt.Sprintf("%v: must be greater than %v", fieldErr.Field(), fieldErr.Param())
	default:
		return fmt.Sprintf("%v: failed on %v", fieldErr.Field(), fieldErr.Tag())
	}
}

func (a *Availability) encodeTimeSlots() (string, error) {
	raw, err := json.Marshal(a.TimeSlots)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
