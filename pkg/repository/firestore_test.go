package repository_test

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/gt"
)

func setupFirestore(t *testing.T) *repository.Firestore {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	repo, err := repository.New(context.Background(), projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() {
		gt.NoError(t, repo.Close())
	})

	return repo
}

func randomEmbedding(dim int) firestore.Vector32 {
	vec := make(firestore.Vector32, dim)
	for i := range vec {
		vec[i] = rand.Float32()
	}
	return vec
}

func TestFirestorePutAndGetNugget(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	nugget := &model.KnowledgeNugget{
		Topic:            "Test topic",
		Timestamp:        time.Now().UTC().Truncate(time.Millisecond),
		TopicSummary:     "Summary of the test topic",
		DetailedAnalysis: "Longer analysis text used for embedding.",
		Status:           model.StatusCommunityOpinion,
		Keywords:         []string{"test", "topic"},
		SourceMessageIDs: []int64{1, 2, 3},
		UserIDsInvolved:  []string{"User_1"},
		Embedding:        randomEmbedding(8),
	}

	gt.NoError(t, repo.PutNugget(ctx, nugget))

	got, err := repo.GetNugget(ctx, nugget.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Topic, nugget.Topic)
	gt.Equal(t, got.Status, model.StatusCommunityOpinion)
	gt.A(t, got.SourceMessageIDs).Length(3)
}

func TestFirestoreGetNuggetNotFound(t *testing.T) {
	repo := setupFirestore(t)

	_, err := repo.GetNugget(context.Background(), model.NewNuggetID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNuggetNotFound))
}

func TestFirestoreSearchNuggets(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	base := randomEmbedding(8)
	for i := 0; i < 3; i++ {
		gt.NoError(t, repo.PutNugget(ctx, &model.KnowledgeNugget{
			Topic:     "Search test",
			Timestamp: time.Now().UTC(),
			Status:    model.StatusFact,
			Embedding: base,
		}))
	}

	matches, err := repo.SearchNuggets(ctx, []float32(base), 3)
	gt.NoError(t, err)
	gt.A(t, matches).Longer(0)
	for _, m := range matches {
		gt.NotNil(t, m.Nugget)
	}
}

func TestFirestoreUpdateNuggetStatus(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	nugget := &model.KnowledgeNugget{
		Topic:     "Status transition",
		Timestamp: time.Now().UTC(),
		Status:    model.StatusSpeculation,
		Embedding: randomEmbedding(8),
	}
	gt.NoError(t, repo.PutNugget(ctx, nugget))
	gt.NoError(t, repo.UpdateNuggetStatus(ctx, nugget.ID, model.StatusOutdated))

	got, err := repo.GetNugget(ctx, nugget.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.StatusOutdated)
}

func TestFirestoreLabelAllocation(t *testing.T) {
	repo := setupFirestore(t)
	ctx := context.Background()

	rawID := "test-raw-" + uuid.New().String()

	label, err := repo.AllocateLabel(ctx, rawID)
	gt.NoError(t, err)
	gt.S(t, label).Contains("User_")

	// Idempotent
	again, err := repo.AllocateLabel(ctx, rawID)
	gt.NoError(t, err)
	gt.Equal(t, again, label)

	resolved, err := repo.ResolveLabel(ctx, rawID)
	gt.NoError(t, err)
	gt.Equal(t, resolved, label)
}
