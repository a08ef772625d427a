package repository

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Memory implements NuggetStore and MappingStore in process. It backs unit
// tests and the examples; production runs use the Firestore repository.
type Memory struct {
	mu        sync.RWMutex
	nuggets   map[model.NuggetID]*model.KnowledgeNugget
	rawToLab  map[string]string
	labToRaw  map[string]string
	nextLabel int64
}

var (
	_ NuggetStore  = (*Memory)(nil)
	_ MappingStore = (*Memory)(nil)
)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		nuggets:   map[model.NuggetID]*model.KnowledgeNugget{},
		rawToLab:  map[string]string{},
		labToRaw:  map[string]string{},
		nextLabel: 1,
	}
}

// PutNugget saves a nugget. A missing ID is assigned before writing.
func (r *Memory) PutNugget(ctx context.Context, nugget *model.KnowledgeNugget) error {
	if err := nugget.Validate(); err != nil {
		return err
	}
	if nugget.ID == "" {
		nugget.ID = model.NewNuggetID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *nugget
	r.nuggets[nugget.ID] = &copied
	return nil
}

// GetNugget retrieves a nugget by ID
func (r *Memory) GetNugget(ctx context.Context, id model.NuggetID) (*model.KnowledgeNugget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nugget, ok := r.nuggets[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNuggetNotFound, "", goerr.V("id", id))
	}
	copied := *nugget
	return &copied, nil
}

// SearchNuggets performs exact cosine nearest-neighbor search over all stored
// nuggets. Linear scan is fine at test scale.
func (r *Memory) SearchNuggets(ctx context.Context, embedding []float32, limit int) ([]*NuggetMatch, error) {
	if limit <= 0 {
		return nil, goerr.New("search limit must be positive", goerr.V("limit", limit))
	}
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "search canceled")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*NuggetMatch
	for _, nugget := range r.nuggets {
		copied := *nugget
		matches = append(matches, &NuggetMatch{
			Nugget:   &copied,
			Distance: cosineDistance(embedding, nugget.Embedding),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Nugget.ID < matches[j].Nugget.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// UpdateNuggetStatus transitions the status of a stored nugget
func (r *Memory) UpdateNuggetStatus(ctx context.Context, id model.NuggetID, st model.NuggetStatus) error {
	if err := st.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nugget, ok := r.nuggets[id]
	if !ok {
		return goerr.Wrap(model.ErrNuggetNotFound, "", goerr.V("id", id))
	}
	nugget.Status = st
	return nil
}

// ResolveLabel returns the label for a raw sender ID
func (r *Memory) ResolveLabel(ctx context.Context, rawID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	label, ok := r.rawToLab[rawID]
	if !ok {
		return "", goerr.Wrap(model.ErrLabelNotFound, "", goerr.V("raw_id", rawID))
	}
	return label, nil
}

// AllocateLabel assigns a new User_N label to a raw sender ID, idempotently
func (r *Memory) AllocateLabel(ctx context.Context, rawID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if label, ok := r.rawToLab[rawID]; ok {
		return label, nil
	}

	label := fmt.Sprintf("User_%d", r.nextLabel)
	if other, ok := r.labToRaw[label]; ok {
		return "", goerr.Wrap(model.ErrLabelConflict, "",
			goerr.V("label", label), goerr.V("raw_id", rawID), goerr.V("bound_to", other))
	}
	r.nextLabel++
	r.rawToLab[rawID] = label
	r.labToRaw[label] = rawID
	return label, nil
}

func cosineDistance(a []float32, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
