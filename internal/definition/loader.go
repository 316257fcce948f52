// Package definition loads case definition manifests, validates them,
// persists them and serves them from a registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseportal/model"
)

// Loader scans directories for case definition manifests. A manifest is a
// YAML file naming a JSON schema file, relative to the manifest, and the
// ordered list of allowed statuses:
//
//	schema: person.schema.json
//	statuses: [INCOMING, IN_BEHANDELING, AFGEROND]
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml manifests and
// loads each into a CaseDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.CaseDefinition, error) {
	var defs []model.CaseDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(p))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(p)
			if err != nil {
				return errors.Wrapf(err, "loading %s", p)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "scanning directory %s", dir)
		}
	}

	return defs, nil
}

// LoadFile loads one manifest and the schema it references. The checksum
// covers both files, so a change to either one counts as a redeployment.
func (l *Loader) LoadFile(manifestPath string) (model.CaseDefinition, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return model.CaseDefinition{}, errors.Wrapf(err, "reading %s", manifestPath)
	}

	var manifest model.CaseDefinitionManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return model.CaseDefinition{}, errors.Wrapf(err, "parsing %s", manifestPath)
	}
	if manifest.Schema == "" {
		return model.CaseDefinition{}, errors.Newf("%s: schema is required", manifestPath)
	}

	schemaPath := manifest.Schema
	if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(filepath.Dir(manifestPath), schemaPath)
	}
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return model.CaseDefinition{}, errors.Wrapf(err, "reading schema %s", schemaPath)
	}

	var schemaDoc map[string]any
	if err := json.Unmarshal(schemaData, &schemaDoc); err != nil {
		return model.CaseDefinition{}, errors.Wrapf(err, "parsing schema %s", schemaPath)
	}

	h := sha256.New()
	h.Write(data)
	h.Write(schemaData)

	return model.CaseDefinition{
		ID:              IDFromSchema(schemaDoc),
		Schema:          schemaDoc,
		AllowedStatuses: manifest.Statuses,
		Checksum:        fmt.Sprintf("%x", h.Sum(nil)),
		SourceFile:      manifestPath,
	}, nil
}

// IDFromSchema derives a definition id from the schema's $id: the last path
// segment, lower-cased, without a trailing ".json" or ".schema". Returns ""
// when the schema declares no $id.
func IDFromSchema(schemaDoc map[string]any) string {
	raw, _ := schemaDoc["$id"].(string)
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, "#?"); i >= 0 {
		raw = raw[:i]
	}
	id := strings.ToLower(path.Base(raw))
	if id == "." || id == "/" {
		return ""
	}
	id = strings.TrimSuffix(id, ".json")
	id = strings.TrimSuffix(id, ".schema")
	return id
}
