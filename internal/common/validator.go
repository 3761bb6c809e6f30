package common

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// BirthDateLayout is the DD/MM/YYYY form used on registration forms.
const BirthDateLayout = "02/01/2006"

type GenericEchoValidator struct {
	Validator *validator.Validate
}

// NewValidator returns a validator with the custom tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	// registration of a static tag name cannot fail
	_ = v.RegisterValidation("calendardate", validateCalendarDate)
	return v
}

func (gv *GenericEchoValidator) Validate(i interface{}) error {
	if gv.Validator == nil {
		gv.Validator = NewValidator()
	}
	if err := gv.Validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("received invalid request body: %v", err))
	}
	return nil
}

// validateCalendarDate accepts DD/MM/YYYY strings that name a real day in the past.
func validateCalendarDate(fl validator.FieldLevel) bool {
	date, err := ParseBirthDate(fl.Field().String())
	return err == nil && !date.After(time.Now())
}

// ParseBirthDate parses a DD/MM/YYYY date, rejecting days that do not exist.
func ParseBirthDate(value string) (time.Time, error) {
	return time.Parse(BirthDateLayout, value)
}
