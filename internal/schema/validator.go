package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mohae/deepcopy"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/caseportal/model"
)

// DefaultCacheSize is the number of compiled schemas kept when no size is
// configured.
const DefaultCacheSize = 256

// CacheObserver is notified of compiled-schema cache lookups and of every
// compilation a miss triggers.
type CacheObserver interface {
	OnSchemaCache(definitionID string, hit bool)
	OnSchemaCompile(definitionID string, err error)
}

type compiled struct {
	checksum string
	schema   *gojsonschema.Schema
}

// Validator validates submissions against case definition schemas. Compiled
// schemas are cached per definition id and recompiled when the definition's
// checksum changes or the entry is invalidated. Safe for concurrent use.
type Validator struct {
	referenceRoot string
	cacheSize     int
	observer      CacheObserver

	cache *lru.Cache[string, *compiled]
	group singleflight.Group
	mu    sync.Mutex // serializes invalidate and refresh
}

// Option configures a Validator.
type Option func(*Validator)

// WithReferenceRoot sets the absolute URI relative $ref values resolve against.
func WithReferenceRoot(root string) Option {
	return func(v *Validator) { v.referenceRoot = root }
}

// WithCacheSize bounds the number of cached compiled schemas.
func WithCacheSize(n int) Option {
	return func(v *Validator) { v.cacheSize = n }
}

// WithCacheObserver registers an observer for cache hits and misses.
func WithCacheObserver(obs CacheObserver) Option {
	return func(v *Validator) { v.observer = obs }
}

// NewValidator creates a Validator with an empty cache.
func NewValidator(opts ...Option) (*Validator, error) {
	v := &Validator{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(v)
	}
	if v.cacheSize <= 0 {
		v.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *compiled](v.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create schema cache")
	}
	v.cache = cache
	return v, nil
}

// Validate checks submission against def's schema. Schema-declared defaults
// are injected for absent properties before validation, and the returned
// document is a new value carrying them. The input is never modified.
//
// Errors are *model.ErrorEnvelope values with code EMPTY_DATA or
// VALIDATION_ERROR; a schema that fails to compile yields INTERNAL_ERROR.
func (v *Validator) Validate(def model.CaseDefinition, submission map[string]any) (map[string]any, error) {
	if len(submission) == 0 {
		return nil, model.NewEmptyDataError()
	}

	s, err := v.schemaFor(def)
	if err != nil {
		return nil, err
	}

	doc, _ := deepcopy.Copy(submission).(map[string]any)
	ApplyDefaults(def.Schema, doc)

	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.Wrapf(err, "validate submission for %q", def.ID)
	}
	if !result.Valid() {
		return nil, model.NewValidationError(Violations(result.Errors()))
	}
	return doc, nil
}

// Invalidate drops the compiled schema cached for definitionID. The next
// validation recompiles it.
func (v *Validator) Invalidate(definitionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Remove(definitionID)
}

// InvalidateAll drops every cached schema.
func (v *Validator) InvalidateAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Purge()
}

// Refresh compiles def and installs it in the cache, replacing any previous
// entry. It is called when a definition is redeployed.
func (v *Validator) Refresh(def model.CaseDefinition) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, err := Compile(def.Schema, v.referenceRoot)
	if err != nil {
		return err
	}
	v.cache.Add(def.ID, &compiled{checksum: Fingerprint(def), schema: s})
	return nil
}

// Len returns the number of cached schemas.
func (v *Validator) Len() int {
	return v.cache.Len()
}

func (v *Validator) schemaFor(def model.CaseDefinition) (*gojsonschema.Schema, error) {
	checksum := Fingerprint(def)
	if c, ok := v.cache.Get(def.ID); ok && c.checksum == checksum {
		v.observe(def.ID, true)
		return c.schema, nil
	}
	v.observe(def.ID, false)

	res, err, _ := v.group.Do(def.ID+"@"+checksum, func() (any, error) {
		s, err := Compile(def.Schema, v.referenceRoot)
		if v.observer != nil {
			v.observer.OnSchemaCompile(def.ID, err)
		}
		if err != nil {
			return nil, err
		}
		v.cache.Add(def.ID, &compiled{checksum: checksum, schema: s})
		return s, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema for %q", def.ID)
	}
	return res.(*gojsonschema.Schema), nil
}

func (v *Validator) observe(id string, hit bool) {
	if v.observer != nil {
		v.observer.OnSchemaCache(id, hit)
	}
}

// Compile meta-validates schemaDoc as draft-07 and compiles it. Relative
// $ref values are resolved against referenceRoot first.
func Compile(schemaDoc map[string]any, referenceRoot string) (*gojsonschema.Schema, error) {
	doc, err := ResolveRefs(schemaDoc, referenceRoot)
	if err != nil {
		return nil, err
	}
	loader := gojsonschema.NewSchemaLoader()
	loader.Validate = true
	loader.Draft = gojsonschema.Draft7
	s, err := loader.Compile(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.Wrap(err, "compile schema")
	}
	return s, nil
}

// Fingerprint returns def.Checksum, or a sha256 of the schema document when
// the definition carries no checksum.
func Fingerprint(def model.CaseDefinition) string {
	if def.Checksum != "" {
		return def.Checksum
	}
	b, err := json.Marshal(def.Schema)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
