package repository

import (
	"context"

	"github.com/m-mizutani/burrow/pkg/model"
)

// NuggetMatch is one nearest-neighbor search result: a nugget and its raw
// cosine distance to the query vector (0 = identical, 2 = opposite).
type NuggetMatch struct {
	Nugget   *model.KnowledgeNugget
	Distance float64
}

// NuggetStore defines the similarity-search index plus metadata store for
// knowledge nuggets. PutNugget is invoked by the synthesis collaborator and
// UpdateNuggetStatus by the curation process; the retrieval engine only calls
// SearchNuggets.
type NuggetStore interface {
	// PutNugget saves a nugget to the store
	PutNugget(ctx context.Context, nugget *model.KnowledgeNugget) error

	// GetNugget retrieves a nugget by ID
	GetNugget(ctx context.Context, id model.NuggetID) (*model.KnowledgeNugget, error)

	// SearchNuggets performs nearest-neighbor search over nugget embeddings
	// and returns up to limit matches ordered by ascending distance
	SearchNuggets(ctx context.Context, embedding []float32, limit int) ([]*NuggetMatch, error)

	// UpdateNuggetStatus transitions the status of a stored nugget
	UpdateNuggetStatus(ctx context.Context, id model.NuggetID, status model.NuggetStatus) error
}

// MappingStore persists the pseudonym mapping from raw sender IDs to labels.
// The mapping is append-only and injective: a raw ID always resolves to the
// same label, and a label is never bound to two raw IDs.
type MappingStore interface {
	// ResolveLabel returns the label for a raw sender ID, or
	// model.ErrLabelNotFound if none has been allocated
	ResolveLabel(ctx context.Context, rawID string) (string, error)

	// AllocateLabel assigns a new label to a raw sender ID. It is idempotent:
	// if the raw ID already has a label, that label is returned.
	AllocateLabel(ctx context.Context, rawID string) (string, error)
}
