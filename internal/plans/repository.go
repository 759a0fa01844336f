package plans

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/internal/validation"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// DefaultCacheTTL is how long a stored plan stays cached.
const DefaultCacheTTL = 10 * time.Minute

// Repository serves stored plans by id with a read-through cache. Writes go
// through the repository so the cache never serves a replaced plan.
type Repository struct {
	store     store.PlanStore
	cache     *gocache.Cache
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// NewRepository creates a Repository. validator may be nil to skip schema
// checks on save.
func NewRepository(ps store.PlanStore, validator *validation.JSONSchemaValidator, ttl time.Duration, logger *slog.Logger) *Repository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:     ps,
		cache:     gocache.New(ttl, 2*ttl),
		validator: validator,
		logger:    logger,
	}
}

// Get returns the stored plan with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*schema.Plan, error) {
	if cached, ok := r.cache.Get(id); ok {
		return cached.(*schema.Plan), nil
	}
	rec, err := r.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	plan := rec.Plan
	if plan.ID == "" {
		plan.ID = rec.ID
	}
	r.cache.SetDefault(id, &plan)
	r.logger.Debug("plan cached", slog.String("plan_id", id))
	return &plan, nil
}

// Save validates and stores a plan under id.
func (r *Repository) Save(ctx context.Context, id, name string, plan *schema.Plan) (*store.PlanRecord, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan id is required")
	}
	if r.validator != nil {
		if err := r.validator.ValidatePlan(plan); err != nil {
			return nil, err
		}
	}
	p := *plan
	p.ID = id
	if name == "" {
		name = p.Name
	}
	rec := &store.PlanRecord{ID: id, Name: name, Plan: p}
	if err := r.store.SavePlan(ctx, rec); err != nil {
		return nil, err
	}
	r.cache.Delete(id)
	return rec, nil
}

// Delete removes a stored plan.
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.cache.Delete(id)
	return r.store.DeletePlan(ctx, id)
}

// List returns every stored plan.
func (r *Repository) List(ctx context.Context) ([]*store.PlanRecord, error) {
	return r.store.ListPlans(ctx)
}

// Cached reports how many plans are currently cached.
func (r *Repository) Cached() int { return r.cache.ItemCount() }
