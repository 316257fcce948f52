package definition

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/model"
)

// SchemaCache is the compiled-schema cache kept in step with deployments.
type SchemaCache interface {
	Refresh(def model.CaseDefinition) error
	Invalidate(definitionID string)
}

// DeployObserver is notified after every deployment attempt.
type DeployObserver interface {
	OnDeploy(result DeployResult, err error)
}

// DeployResult summarises one deployment pass.
type DeployResult struct {
	Deployed  []string `json:"deployed"`
	Removed   []string `json:"removed"`
	Unchanged int      `json:"unchanged"`
	Total     int      `json:"total"`
}

// Deployer loads manifests, validates them and, when all are valid, installs
// new or changed definitions: it persists them, recompiles their schemas and
// swaps the registry. A failed pass leaves the running set untouched.
type Deployer struct {
	directories []string
	loader      *Loader
	validator   *Validator
	registry    *Registry
	cache       SchemaCache
	store       DefinitionStore
	observers   []DeployObserver
	logger      *zap.Logger
	now         func() time.Time

	mu sync.Mutex // one pass at a time
}

// DeployerOption configures optional dependencies.
type DeployerOption func(*Deployer)

// WithStore persists deployed definitions.
func WithStore(store DefinitionStore) DeployerOption {
	return func(d *Deployer) { d.store = store }
}

// WithDeployObserver adds a deployment observer.
func WithDeployObserver(obs DeployObserver) DeployerOption {
	return func(d *Deployer) { d.observers = append(d.observers, obs) }
}

// WithDeployClock overrides the deployment timestamp source.
func WithDeployClock(now func() time.Time) DeployerOption {
	return func(d *Deployer) { d.now = now }
}

// NewDeployer creates a Deployer over the given manifest directories.
func NewDeployer(
	directories []string,
	loader *Loader,
	validator *Validator,
	registry *Registry,
	cache SchemaCache,
	logger *zap.Logger,
	opts ...DeployerOption,
) *Deployer {
	d := &Deployer{
		directories: directories,
		loader:      loader,
		validator:   validator,
		registry:    registry,
		cache:       cache,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy runs one deployment pass.
func (d *Deployer) Deploy(ctx context.Context) (DeployResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.deploy(ctx)
	for _, obs := range d.observers {
		obs.OnDeploy(result, err)
	}
	return result, err
}

func (d *Deployer) deploy(ctx context.Context) (DeployResult, error) {
	var result DeployResult

	defs, err := d.loader.LoadAll(d.directories)
	if err != nil {
		return result, err
	}

	if err := d.validate(defs); err != nil {
		return result, err
	}

	incoming := make(map[string]bool, len(defs))
	for i := range defs {
		def := &defs[i]
		incoming[def.ID] = true

		if prev, ok := d.registry.Get(def.ID); ok && prev.Checksum == def.Checksum {
			def.DeployedAt = prev.DeployedAt
			result.Unchanged++
			continue
		}

		def.DeployedAt = d.now()
		if d.store != nil {
			if err := d.store.Save(ctx, *def); err != nil {
				return result, errors.Wrapf(err, "save case definition %q", def.ID)
			}
		}
		if err := d.cache.Refresh(*def); err != nil {
			return result, errors.Wrapf(err, "compile case definition %q", def.ID)
		}
		result.Deployed = append(result.Deployed, def.ID)
		d.logger.Info("case definition deployed",
			zap.String("case_definition_id", def.ID),
			zap.String("checksum", def.Checksum),
			zap.String("source", def.SourceFile),
		)
	}

	for _, prev := range d.registry.All() {
		if !incoming[prev.ID] {
			d.cache.Invalidate(prev.ID)
			result.Removed = append(result.Removed, prev.ID)
			d.logger.Info("case definition removed", zap.String("case_definition_id", prev.ID))
		}
	}

	sort.Strings(result.Deployed)
	result.Total = len(defs)
	d.registry.Replace(defs)
	return result, nil
}

// Restore fills the registry from the store. It is used when no manifest
// directories are configured and another instance owns deployment.
func (d *Deployer) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	defs, err := d.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list stored case definitions")
	}
	if err := d.validate(defs); err != nil {
		return 0, errors.Wrap(err, "stored case definitions")
	}
	for _, def := range defs {
		if err := d.cache.Refresh(def); err != nil {
			return 0, errors.Wrapf(err, "compile stored case definition %q", def.ID)
		}
	}

	restored := make(map[string]bool, len(defs))
	for _, def := range defs {
		restored[def.ID] = true
	}
	for _, prev := range d.registry.All() {
		if !restored[prev.ID] {
			d.cache.Invalidate(prev.ID)
		}
	}
	d.registry.Replace(defs)
	return len(defs), nil
}

func (d *Deployer) validate(defs []model.CaseDefinition) error {
	verrs := d.validator.Validate(defs)
	if len(verrs) == 0 {
		return nil
	}
	msgs := make([]string, len(verrs))
	for i, ve := range verrs {
		d.logger.Error("case definition validation error", zap.String("error", ve.Error()))
		msgs[i] = ve.Error()
	}
	return errors.Newf("%d case definition errors: %s", len(verrs), strings.Join(msgs, "; "))
}

// Run redeploys every interval until ctx is cancelled. Failures are logged
// and the previous definitions stay in service.
func (d *Deployer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := d.Deploy(ctx)
			if err != nil {
				d.logger.Error("case definition reload failed", zap.Error(err))
				continue
			}
			if len(result.Deployed) > 0 || len(result.Removed) > 0 {
				d.logger.Info("case definitions reloaded",
					zap.Strings("deployed", result.Deployed),
					zap.Strings("removed", result.Removed),
				)
			}
		}
	}
}
