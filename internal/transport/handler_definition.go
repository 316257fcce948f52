package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/model"
)

// DefinitionLookup resolves deployed case definitions by ID.
type DefinitionLookup interface {
	Lookup(ctx context.Context, id string) (model.CaseDefinition, error)
}

func handleGetCaseDefinition(defs DefinitionLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		definitionID := chi.URLParam(r, "definitionId")
		observability.AnnotateSpan(r.Context(), observability.AttrCaseDefinitionID.String(definitionID))

		def, err := defs.Lookup(r.Context(), definitionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleOpenAPIDocument(doc []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
	}
}
