package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire field names. They are matched case-sensitively.
const (
	FieldCrystalReportLocation = "CrystalReportLocation"
	FieldReportOutputLocation  = "ReportOutputLocation"
	FieldReportDateFrom        = "ReportDateFrom"
	FieldReportDateTo          = "ReportDateTo"
)

// ReportRequest asks the server to render one report template for a date range
type ReportRequest struct {
	CrystalReportLocation string   `json:"CrystalReportLocation"`
	ReportOutputLocation  string   `json:"ReportOutputLocation"`
	ReportDateFrom        DateTime `json:"ReportDateFrom"`
	ReportDateTo          DateTime `json:"ReportDateTo"`
}

// UnmarshalJSON decodes a request matching field names exactly.
// encoding/json folds case on struct fields, which the protocol does not allow.
func (r *ReportRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("request must be a JSON object")
	}

	var out ReportRequest
	targets := []struct {
		name string
		dst  any
	}{
		{FieldCrystalReportLocation, &out.CrystalReportLocation},
		{FieldReportOutputLocation, &out.ReportOutputLocation},
		{FieldReportDateFrom, &out.ReportDateFrom},
		{FieldReportDateTo, &out.ReportDateTo},
	}
	for _, t := range targets {
		raw, ok := fields[t.name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, t.dst); err != nil {
			return fmt.Errorf("field %s: %w", t.name, err)
		}
	}

	*r = out
	return nil
}

// MissingFields returns the names of required fields that are absent or blank
func (r *ReportRequest) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.CrystalReportLocation) == "" {
		missing = append(missing, FieldCrystalReportLocation)
	}
	if strings.TrimSpace(r.ReportOutputLocation) == "" {
		missing = append(missing, FieldReportOutputLocation)
	}
	if !r.ReportDateFrom.IsSet() {
		missing = append(missing, FieldReportDateFrom)
	}
	if !r.ReportDateTo.IsSet() {
		missing = append(missing, FieldReportDateTo)
	}
	return missing
}

// String returns a string representation of the request
func (r ReportRequest) String() string {
	return fmt.Sprintf("ReportRequest{Template: %s, Output: %s, From: %s, To: %s}",
		r.CrystalReportLocation, r.ReportOutputLocation, r.ReportDateFrom, r.ReportDateTo)
}

// ReportResponse is the single answer written back for every accepted connection.
// OutputPath is set only on success, ErrorMessage only on failure.
type ReportResponse struct {
	Success      bool    `json:"Success"`
	OutputPath   *string `json:"OutputPath"`
	ErrorMessage *string `json:"ErrorMessage"`
}

// NewSuccessResponse builds a successful response pointing at the rendered file
func NewSuccessResponse(outputPath string) *ReportResponse {
	return &ReportResponse{
		Success:    true,
		OutputPath: &outputPath,
	}
}

// NewFailureResponse builds a failed response carrying a human-readable message
func NewFailureResponse(message string) *ReportResponse {
	return &ReportResponse{
		Success:      false,
		ErrorMessage: &message,
	}
}

// Output returns the output path or the empty string
func (r *ReportResponse) Output() string {
	if r.OutputPath == nil {
		return ""
	}
	return *r.OutputPath
}

// Error returns the error message or the empty string
func (r *ReportResponse) Error() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// String returns a string representation of the response
func (r *ReportResponse) String() string {
	if r.Success {
		return fmt.Sprintf("ReportResponse{Success: true, OutputPath: %s}", r.Output())
	}
	return fmt.Sprintf("ReportResponse{Success: false, ErrorMessage: %s}", r.Error())
}

// dateTimeLayouts are tried in order when parsing a wire date-time
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// zoneless is the layout written for values that carried no offset
const zoneless = "2006-01-02T15:04:05.999999999"

// DateTime is an ISO-8601 date-time as exchanged on the wire.
// Values without an offset are read as UTC and written back without one.
// The zero DateTime is unset; 0001-01-01T00:00:00 parsed from the wire is not.
type DateTime struct {
	time.Time
	zoned bool
	set   bool
}

// NewDateTime wraps t. A UTC time is written zone-less, anything else with its offset.
func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t, zoned: t.Location() != time.UTC, set: true}
}

// ParseDateTime parses an ISO-8601 date-time
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimSpace(s)
	for i, layout := range dateTimeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		// Only the first layout carries an offset; "Z" means UTC, which we keep zone-less.
		return DateTime{Time: t, zoned: i == 0 && t.Location() != time.UTC, set: true}, nil
	}
	return DateTime{}, fmt.Errorf("invalid ISO-8601 date-time %q", s)
}

// IsSet reports whether the value was given, as opposed to left at its zero value
func (d DateTime) IsSet() bool {
	return d.set
}

// String formats the value the way it is written on the wire
func (d DateTime) String() string {
	if d.zoned {
		return d.Time.Format(time.RFC3339Nano)
	}
	return d.Time.UTC().Format(zoneless)
}

// Equal reports whether both values denote the same instant
func (d DateTime) Equal(other DateTime) bool {
	return d.Time.Equal(other.Time)
}

// MarshalJSON implements json.Marshaler
func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DateTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date-time must be a string: %w", err)
	}
	parsed, err := ParseDateTime(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
