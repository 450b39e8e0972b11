package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/reportbridge/reportd/pkg/types"
)

// requestSchema describes the request object. Property names are matched
// exactly; unknown properties are ignored.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["CrystalReportLocation", "ReportOutputLocation", "ReportDateFrom", "ReportDateTo"],
  "properties": {
    "CrystalReportLocation": {"type": "string", "pattern": "\\S"},
    "ReportOutputLocation":  {"type": "string", "pattern": "\\S"},
    "ReportDateFrom":        {"type": "string", "minLength": 1},
    "ReportDateTo":          {"type": "string", "minLength": 1}
  }
}`

var compiledRequestSchema = mustCompileSchema(requestSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("report: invalid request schema: %v", err))
	}
	return schema
}

// validateRequest checks a raw request payload against the schema and then
// parses it. All failures are VALIDATION errors.
func validateRequest(payload []byte) (*types.ReportRequest, error) {
	result, err := compiledRequestSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, "request could not be validated", err)
	}
	if !result.Valid() {
		return nil, types.NewError(types.ErrCodeValidation, describeSchemaErrors(result.Errors()))
	}

	var req types.ReportRequest
	if err := req.UnmarshalJSON(payload); err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, "request has an invalid field", err)
	}
	if missing := req.MissingFields(); len(missing) > 0 {
		return nil, types.NewError(types.ErrCodeValidation,
			"missing or empty required field(s): "+strings.Join(missing, ", "))
	}
	return &req, nil
}

func describeSchemaErrors(errs []gojsonschema.ResultError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Type() {
		case "required":
			msgs = append(msgs, e.Description())
		case "pattern", "string_gte":
			msgs = append(msgs, e.Field()+" must not be empty")
		default:
			msgs = append(msgs, e.Field()+": "+e.Description())
		}
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
