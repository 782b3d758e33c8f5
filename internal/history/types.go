package history

import (
	"context"
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is one recorded entity mutation.
type Entry struct {
	ID          int64          `json:"id"`
	EntityID    string         `json:"entity_id"`
	OldState    *string        `json:"old_state"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	ContextID   string         `json:"context_id"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// ServiceCallEntry is one recorded service call.
type ServiceCallEntry struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	EntityIDs   []string       `json:"entity_ids"`
	ServiceData map[string]any `json:"service_data"`
	Principal   string         `json:"principal"`
	Source      string         `json:"source"`
	Result      string         `json:"result"`
	Error       string         `json:"error,omitempty"`
	Changed     int            `json:"changed"`
	CalledAt    time.Time      `json:"called_at"`
}

// Result values stored for service calls.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Repository stores and queries history. Implementations must be safe for
// concurrent use and store UTC timestamps.
type Repository interface {
	RecordStateChange(ctx context.Context, change entity.Change) error
	RecordServiceCall(ctx context.Context, rec service.Record) error
	GetHistory(ctx context.Context, entityID string, limit int) ([]Entry, error)
	ListServiceCalls(ctx context.Context, limit int) ([]ServiceCallEntry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
