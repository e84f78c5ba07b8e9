// internal/domain/plan/dto.go
package plan

// CreatePlanRequest registers a new subscription tier. Price is in the
// currency's minor unit.
type CreatePlanRequest struct {
	Code          string                 `json:"code" binding:"required"`
	Name          string                 `json:"name" binding:"required"`
	Price         int64                  `json:"price" binding:"required,min=0"`
	Currency      string                 `json:"currency" binding:"required,len=3"`
	Interval      Interval               `json:"interval" binding:"required,oneof=month year"`
	InstanceQuota int                    `json:"instance_quota" binding:"required,min=1"`
	Features      map[string]interface{} `json:"features,omitempty"`
}
