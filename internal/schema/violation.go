package schema

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pitabwire/caseportal/model"
)

// rootContext is the head the engine uses for the document root.
const rootContext = "(root)"

// typeNames maps JSON types to the names API consumers already match on.
var typeNames = map[string]string{
	"string":  "String",
	"integer": "Integer",
	"number":  "Number",
	"boolean": "Boolean",
	"object":  "JSONObject",
	"array":   "JSONArray",
	"null":    "Null",
}

// Violations converts engine result errors into field errors carrying the
// portal's message format, e.g. "#/firstName: expected maxLength: 15, actual: 22".
// The result is sorted by field, then message.
func Violations(errs []gojsonschema.ResultError) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for _, re := range errs {
		path := pointerPath(re.Context())
		out = append(out, model.FieldError{
			Field:   path,
			Code:    re.Type(),
			Message: path + ": " + describe(re),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// pointerPath renders an engine context as "#", "#/firstName",
// "#/address/street" and so on.
func pointerPath(ctx *gojsonschema.JsonContext) string {
	if ctx == nil {
		return "#"
	}
	p := strings.TrimPrefix(ctx.String("/"), rootContext)
	return "#" + p
}

func describe(re gojsonschema.ResultError) string {
	d := re.Details()
	switch re.Type() {
	case "invalid_type":
		return fmt.Sprintf("expected type: %s, found: %s",
			expectedTypes(fmt.Sprint(d["expected"])), typeName(fmt.Sprint(d["given"])))
	case "string_lte":
		return fmt.Sprintf("expected maxLength: %v, actual: %d", d["max"], runeCount(re.Value()))
	case "string_gte":
		return fmt.Sprintf("expected minLength: %v, actual: %d", d["min"], runeCount(re.Value()))
	case "required":
		return fmt.Sprintf("required key [%v] not found", d["property"])
	case "additional_property_not_allowed":
		return fmt.Sprintf("extraneous key [%v] is not permitted", d["property"])
	case "number_gte":
		return fmt.Sprintf("%v is not greater or equal to %v", re.Value(), d["min"])
	case "number_gt":
		return fmt.Sprintf("%v is not greater than %v", re.Value(), d["min"])
	case "number_lte":
		return fmt.Sprintf("%v is not less or equal to %v", re.Value(), d["max"])
	case "number_lt":
		return fmt.Sprintf("%v is not less than %v", re.Value(), d["max"])
	case "multiple_of":
		return fmt.Sprintf("%v is not a multiple of %v", re.Value(), d["multiple"])
	case "enum":
		return fmt.Sprintf("%v is not a valid enum value", re.Value())
	case "const":
		return fmt.Sprintf("%v does not match the const value", re.Value())
	case "pattern":
		return fmt.Sprintf("string [%v] does not match pattern %v", re.Value(), d["pattern"])
	case "format":
		return fmt.Sprintf("[%v] is not a valid %v", re.Value(), d["format"])
	case "array_min_items":
		return fmt.Sprintf("expected minimum item count: %v, found: %d", d["min"], arrayLen(re.Value()))
	case "array_max_items":
		return fmt.Sprintf("expected maximum item count: %v, found: %d", d["max"], arrayLen(re.Value()))
	default:
		return re.Description()
	}
}

func typeName(t string) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return t
}

// expectedTypes handles both "string" and the engine's "[string,null]" form.
func expectedTypes(expected string) string {
	if !strings.HasPrefix(expected, "[") {
		return typeName(expected)
	}
	parts := strings.Split(strings.Trim(expected, "[]"), ",")
	for i, p := range parts {
		parts[i] = typeName(strings.TrimSpace(p))
	}
	return "one of [" + strings.Join(parts, ", ") + "]"
}

func runeCount(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return utf8.RuneCountInString(s)
}

func arrayLen(v any) int {
	a, ok := v.([]any)
	if !ok {
		return 0
	}
	return len(a)
}
