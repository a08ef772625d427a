package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/goerr/v2"
)

// Anonymizer replaces raw sender identities with stable pseudonym labels
// backed by the persistent mapping store, and applies the pure numeric
// normalization transform to message text.
//
// Label allocation for an unseen raw ID is serialized by a mutex so that
// concurrent callers never observe two labels for the same raw ID. Reads of
// already-cached labels take only the read lock.
type Anonymizer struct {
	store repository.MappingStore

	mu    sync.RWMutex
	cache map[string]string
}

// NewAnonymizer creates an anonymizer on top of a mapping store
func NewAnonymizer(store repository.MappingStore) *Anonymizer {
	return &Anonymizer{
		store: store,
		cache: map[string]string{},
	}
}

// Anonymize rewrites msg in place: SenderID becomes the pseudonym label and
// Content gets numeric tokens normalized. Mapping store failures fail closed;
// no label is ever invented locally.
func (a *Anonymizer) Anonymize(ctx context.Context, msg *model.Message) error {
	if msg.SenderID != "" {
		label, err := a.label(ctx, msg.SenderID)
		if err != nil {
			return err
		}
		msg.SenderID = label
	}

	msg.Content, msg.NormalizedValues = NormalizeContent(msg.Content)
	return nil
}

func (a *Anonymizer) label(ctx context.Context, rawID string) (string, error) {
	a.mu.RLock()
	label, ok := a.cache[rawID]
	a.mu.RUnlock()
	if ok {
		return label, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if label, ok := a.cache[rawID]; ok {
		return label, nil
	}

	label, err := a.store.ResolveLabel(ctx, rawID)
	if errors.Is(err, model.ErrLabelNotFound) {
		label, err = a.store.AllocateLabel(ctx, rawID)
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to anonymize sender")
	}

	a.cache[rawID] = label
	return label, nil
}
