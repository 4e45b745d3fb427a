package knowledge

import (
	"context"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// Backend is the durable representation of merchant knowledge. The Store keeps
// the authoritative in-memory index and writes every change through to the
// backend before making it visible.
type Backend interface {
	// Load returns every persisted profile. Undecodable data must be reported
	// wrapped in ErrStoreCorrupted, never skipped.
	Load(ctx context.Context) ([]domain.MerchantProfile, error)

	// Save upserts a single profile.
	Save(ctx context.Context, profile domain.MerchantProfile) error

	// Reset removes all persisted profiles. It is the explicit repair path for
	// a corrupted store and is never called by the engine itself.
	Reset(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
