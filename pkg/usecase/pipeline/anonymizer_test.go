package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/pipeline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func TestAnonymizeStability(t *testing.T) {
	anon := pipeline.NewAnonymizer(repository.NewMemory())
	ctx := context.Background()

	m1 := &model.Message{ID: 1, SenderID: "alice", Content: "hi", Date: testBase}
	m2 := &model.Message{ID: 2, SenderID: "bob", Content: "hi", Date: testBase}
	m3 := &model.Message{ID: 3, SenderID: "alice", Content: "again", Date: testBase}

	gt.NoError(t, anon.Anonymize(ctx, m1))
	gt.NoError(t, anon.Anonymize(ctx, m2))
	gt.NoError(t, anon.Anonymize(ctx, m3))

	gt.Equal(t, m1.SenderID, "User_1")
	gt.Equal(t, m2.SenderID, "User_2")
	gt.Equal(t, m3.SenderID, m1.SenderID)
}

func TestAnonymizeSharedStore(t *testing.T) {
	// Two anonymizer instances over one store agree on labels
	store := repository.NewMemory()
	ctx := context.Background()

	a1 := pipeline.NewAnonymizer(store)
	a2 := pipeline.NewAnonymizer(store)

	m1 := &model.Message{ID: 1, SenderID: "carol", Content: "x", Date: testBase}
	m2 := &model.Message{ID: 2, SenderID: "carol", Content: "y", Date: testBase}

	gt.NoError(t, a1.Anonymize(ctx, m1))
	gt.NoError(t, a2.Anonymize(ctx, m2))
	gt.Equal(t, m1.SenderID, m2.SenderID)
}

func TestAnonymizeConcurrent(t *testing.T) {
	anon := pipeline.NewAnonymizer(repository.NewMemory())
	ctx := context.Background()

	const workers = 16
	const senders = 5

	labels := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]string, senders)
			for s := 0; s < senders; s++ {
				m := &model.Message{ID: int64(w*senders + s + 1), SenderID: fmt.Sprintf("sender-%d", s), Content: "x", Date: testBase}
				if err := anon.Anonymize(ctx, m); err != nil {
					t.Error(err)
					return
				}
				out[s] = m.SenderID
			}
			labels[w] = out
		}(w)
	}
	wg.Wait()

	for w := 1; w < workers; w++ {
		gt.Equal(t, labels[w], labels[0])
	}
	distinct := map[string]bool{}
	for _, label := range labels[0] {
		distinct[label] = true
	}
	gt.Equal(t, len(distinct), senders)
}

type brokenMappingStore struct{}

func (s *brokenMappingStore) ResolveLabel(ctx context.Context, rawID string) (string, error) {
	return "", goerr.New("mapping store unavailable")
}

func (s *brokenMappingStore) AllocateLabel(ctx context.Context, rawID string) (string, error) {
	return "", goerr.New("mapping store unavailable")
}

func TestAnonymizeFailsClosed(t *testing.T) {
	anon := pipeline.NewAnonymizer(&brokenMappingStore{})

	m := &model.Message{ID: 1, SenderID: "dave", Content: "x", Date: testBase}
	err := anon.Anonymize(context.Background(), m)
	gt.Error(t, err)
	// No locally invented label on failure
	gt.Equal(t, m.SenderID, "dave")
}

func TestAnonymizeKeepsEmptySender(t *testing.T) {
	anon := pipeline.NewAnonymizer(repository.NewMemory())

	m := &model.Message{ID: 1, Content: "system notice", Date: testBase}
	gt.NoError(t, anon.Anonymize(context.Background(), m))
	gt.Equal(t, m.SenderID, "")
}
