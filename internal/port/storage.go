package port

import "github.com/bnema/pixbatch/internal/domain"

// ArtifactStore keeps the latest artifact per item ID. Save replaces any
// existing record for the same item. Get returns domain.ErrNotFound for
// unknown items.
type ArtifactStore interface {
	Save(a *domain.ConvertedArtifact) error
	Get(itemID string) (*domain.ConvertedArtifact, error)
	Delete(itemID string) error
	List() ([]*domain.ConvertedArtifact, error)
	ListByBatch(batchID string) ([]*domain.ConvertedArtifact, error)
}
