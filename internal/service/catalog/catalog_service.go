// internal/service/catalog/catalog_service.go
package catalog

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"zapfy-billing/internal/domain/plan"
)

type PlanStore interface {
	Create(ctx context.Context, p *plan.Plan) error
	FindByID(ctx context.Context, id int64) (*plan.Plan, error)
	FindByCode(ctx context.Context, code string) (*plan.Plan, error)
	ListActive(ctx context.Context) ([]*plan.Plan, error)
	Deactivate(ctx context.Context, id int64) error
}

// CatalogService manages the plan catalog. Plans are immutable once
// referenced; a price change is a new plan row plus deactivation of the old
// one.
type CatalogService struct {
	planRepo PlanStore
	logger   *zap.Logger
}

func NewCatalogService(planRepo PlanStore, logger *zap.Logger) *CatalogService {
	return &CatalogService{planRepo: planRepo, logger: logger}
}

func (s *CatalogService) CreatePlan(ctx context.Context, req *plan.CreatePlanRequest) (*plan.Plan, error) {
	p := &plan.Plan{
		Code:          strings.ToLower(strings.TrimSpace(req.Code)),
		Name:          req.Name,
		Price:         req.Price,
		Currency:      strings.ToUpper(req.Currency),
		Interval:      req.Interval,
		InstanceQuota: req.InstanceQuota,
		Features:      req.Features,
		Active:        true,
	}
	if err := s.planRepo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("plan created",
		zap.Int64("plan_id", p.ID),
		zap.String("code", p.Code),
		zap.Int64("price", p.Price),
	)
	return p, nil
}

func (s *CatalogService) GetPlanByCode(ctx context.Context, code string) (*plan.Plan, error) {
	return s.planRepo.FindByCode(ctx, strings.ToLower(code))
}

func (s *CatalogService) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	return s.planRepo.ListActive(ctx)
}

func (s *CatalogService) DeactivatePlan(ctx context.Context, id int64) error {
	if err := s.planRepo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("plan deactivated", zap.Int64("plan_id", id))
	return nil
}
