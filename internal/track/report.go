package track

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Rejection reasons reported back to the originating connection.
const (
	ReasonMissingField = "missing_field"
	ReasonOutOfRange   = "out_of_range"
)

// ValidationError rejects a single report field. The report never reaches
// the store or the router.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid report: %s %s", e.Field, e.Reason)
}

// LocationReport is the raw driver:location payload. Optional fields are
// pointers so an absent value is distinguishable from zero.
type LocationReport struct {
	VehicleID string   `json:"vehicleId" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Speed     *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lte=360"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Report is a validated, normalized location report. Speed is km/h.
type Report struct {
	VehicleID  string
	Latitude   float64
	Longitude  float64
	Speed      *float64
	Heading    *float64
	Accuracy   *float64
	ReportedAt time.Time // zero when the client sent no usable timestamp
}

var reportValidator = newReportValidator()

func newReportValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report rejections use the wire field names, not Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateReport checks field presence and ranges and returns the normalized
// report, or a *ValidationError naming the first offending field. Pure; safe
// for concurrent use.
func ValidateReport(lr LocationReport) (Report, error) {
	if err := reportValidator.Struct(lr); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || len(errs) == 0 {
			return Report{}, err
		}
		fe := errs[0]
		reason := ReasonOutOfRange
		if fe.Tag() == "required" {
			reason = ReasonMissingField
		}
		return Report{}, &ValidationError{Field: fe.Field(), Reason: reason}
	}

	r := Report{
		VehicleID: lr.VehicleID,
		Latitude:  *lr.Latitude,
		Longitude: *lr.Longitude,
		Speed:     lr.Speed,
		Heading:   lr.Heading,
		Accuracy:  lr.Accuracy,
	}
	if lr.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, lr.Timestamp); err == nil {
			r.ReportedAt = ts
		}
	}
	return r, nil
}
