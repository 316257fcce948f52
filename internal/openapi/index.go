// Package openapi loads and indexes the portal's OpenAPI document, providing
// operation lookup by operationId and request body validation.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/caseportal/model"
)

//go:embed caseportal.yaml
var document []byte

// Document returns the raw OpenAPI document served by the portal.
func Document() []byte {
	return document
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// Index is an in-memory index of OpenAPI operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]IndexedOperation)}
}

// Load parses and validates the embedded portal document.
func Load() (*Index, error) {
	idx := NewIndex()
	if err := idx.LoadData(document); err != nil {
		return nil, err
	}
	return idx, nil
}

// LoadData parses an OpenAPI document and indexes all of its operations.
// Operations already indexed under the same operationId are replaced.
func (idx *Index) LoadData(data []byte) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating document: %w", err)
	}

	baseURL := ""
	if len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
		}
	}
	idx.doc = doc
	return nil
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns all indexed operation IDs, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest validates a decoded JSON request body against the
// operation's request schema. It returns nil when the body is valid. The
// body must use the types produced by encoding/json.
func (idx *Index) ValidateRequest(operationID string, body any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{Field: "#", Code: "operation", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}

	if op.RequestBody == nil {
		return nil
	}
	if body == nil {
		if op.RequestBody.Required {
			return []model.FieldError{{Field: "#", Code: "required", Message: "#: request body is required"}}
		}
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	err := ct.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := "#"
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			field = "#/" + strings.Join(ptr, "/")
		}
		return []model.FieldError{{
			Field:   field,
			Code:    se.SchemaField,
			Message: field + ": " + se.Reason,
		}}
	}
	return []model.FieldError{{Field: "#", Code: "invalid", Message: "#: " + err.Error()}}
}
