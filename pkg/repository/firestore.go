package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionNuggets    = "nuggets"
	collectionPseudonyms = "pseudonyms"
	collectionLabels     = "pseudonym_labels"
	docLabelCounter      = "label_counter"

	distanceField = "vector_distance"
)

// Firestore implements NuggetStore and MappingStore using Cloud Firestore
type Firestore struct {
	client *firestore.Client
}

var (
	_ NuggetStore  = (*Firestore)(nil)
	_ MappingStore = (*Firestore)(nil)
)

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

type nuggetDoc struct {
	ID               string
	Topic            string
	Timestamp        time.Time
	TopicSummary     string
	DetailedAnalysis string
	Status           string
	Keywords         []string
	SourceMessageIDs []int64
	UserIDsInvolved  []string
	Embedding        firestore.Vector32

	// Populated only by vector search results
	Distance float64 `firestore:"vector_distance"`
}

func toNuggetDoc(n *model.KnowledgeNugget) *nuggetDoc {
	return &nuggetDoc{
		ID:               string(n.ID),
		Topic:            n.Topic,
		Timestamp:        n.Timestamp,
		TopicSummary:     n.TopicSummary,
		DetailedAnalysis: n.DetailedAnalysis,
		Status:           string(n.Status),
		Keywords:         n.Keywords,
		SourceMessageIDs: n.SourceMessageIDs,
		UserIDsInvolved:  n.UserIDsInvolved,
		Embedding:        n.Embedding,
	}
}

func (d *nuggetDoc) toModel() *model.KnowledgeNugget {
	return &model.KnowledgeNugget{
		ID:               model.NuggetID(d.ID),
		Topic:            d.Topic,
		Timestamp:        d.Timestamp,
		TopicSummary:     d.TopicSummary,
		DetailedAnalysis: d.DetailedAnalysis,
		Status:           model.NuggetStatus(d.Status),
		Keywords:         d.Keywords,
		SourceMessageIDs: d.SourceMessageIDs,
		UserIDsInvolved:  d.UserIDsInvolved,
		Embedding:        d.Embedding,
	}
}

// PutNugget saves a nugget. A missing ID is assigned before writing.
func (r *Firestore) PutNugget(ctx context.Context, nugget *model.KnowledgeNugget) error {
	if err := nugget.Validate(); err != nil {
		return err
	}
	if nugget.ID == "" {
		nugget.ID = model.NewNuggetID()
	}

	doc := r.client.Collection(collectionNuggets).Doc(string(nugget.ID))
	if _, err := doc.Set(ctx, toNuggetDoc(nugget)); err != nil {
		return goerr.Wrap(err, "failed to put nugget", goerr.V("id", nugget.ID))
	}
	return nil
}

// GetNugget retrieves a nugget by ID
func (r *Firestore) GetNugget(ctx context.Context, id model.NuggetID) (*model.KnowledgeNugget, error) {
	snap, err := r.client.Collection(collectionNuggets).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrNuggetNotFound, "", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get nugget", goerr.V("id", id))
	}

	var doc nuggetDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode nugget", goerr.V("id", id))
	}
	return doc.toModel(), nil
}

// SearchNuggets performs cosine nearest-neighbor search over nugget embeddings
func (r *Firestore) SearchNuggets(ctx context.Context, embedding []float32, limit int) ([]*NuggetMatch, error) {
	if limit <= 0 {
		return nil, goerr.New("search limit must be positive", goerr.V("limit", limit))
	}

	query := r.client.Collection(collectionNuggets).FindNearest(
		"Embedding",
		firestore.Vector32(embedding),
		limit,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{
			DistanceResultField: distanceField,
		},
	)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var matches []*NuggetMatch
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate vector search results")
		}

		var doc nuggetDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode search result", goerr.V("doc", snap.Ref.ID))
		}
		matches = append(matches, &NuggetMatch{
			Nugget:   doc.toModel(),
			Distance: doc.Distance,
		})
	}

	return matches, nil
}

// UpdateNuggetStatus transitions the status of a stored nugget
func (r *Firestore) UpdateNuggetStatus(ctx context.Context, id model.NuggetID, st model.NuggetStatus) error {
	if err := st.Validate(); err != nil {
		return err
	}

	doc := r.client.Collection(collectionNuggets).Doc(string(id))
	_, err := doc.Update(ctx, []firestore.Update{
		{Path: "Status", Value: string(st)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrNuggetNotFound, "", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to update nugget status", goerr.V("id", id))
	}
	return nil
}

type pseudonymDoc struct {
	RawID       string
	Label       string
	AllocatedAt time.Time
}

type labelCounterDoc struct {
	Next int64
}

// ResolveLabel returns the label for a raw sender ID
func (r *Firestore) ResolveLabel(ctx context.Context, rawID string) (string, error) {
	snap, err := r.client.Collection(collectionPseudonyms).Doc(rawID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", goerr.Wrap(model.ErrLabelNotFound, "", goerr.V("raw_id", rawID))
		}
		return "", goerr.Wrap(err, "failed to resolve label", goerr.V("raw_id", rawID))
	}

	var doc pseudonymDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", goerr.Wrap(err, "failed to decode pseudonym", goerr.V("raw_id", rawID))
	}
	return doc.Label, nil
}

// AllocateLabel assigns a new User_N label to a raw sender ID. The counter
// increment and both document writes happen in one transaction, so concurrent
// allocations never hand out the same label twice. Allocation is idempotent
// for an already-mapped raw ID.
func (r *Firestore) AllocateLabel(ctx context.Context, rawID string) (string, error) {
	pseudonyms := r.client.Collection(collectionPseudonyms)
	labels := r.client.Collection(collectionLabels)
	counter := labels.Doc(docLabelCounter)

	var label string
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(pseudonyms.Doc(rawID))
		if err == nil {
			var doc pseudonymDoc
			if err := snap.DataTo(&doc); err != nil {
				return goerr.Wrap(err, "failed to decode pseudonym", goerr.V("raw_id", rawID))
			}
			label = doc.Label
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to read pseudonym", goerr.V("raw_id", rawID))
		}

		var next int64 = 1
		counterSnap, err := tx.Get(counter)
		switch {
		case err == nil:
			var doc labelCounterDoc
			if err := counterSnap.DataTo(&doc); err != nil {
				return goerr.Wrap(err, "failed to decode label counter")
			}
			next = doc.Next
		case status.Code(err) != codes.NotFound:
			return goerr.Wrap(err, "failed to read label counter")
		}

		label = fmt.Sprintf("User_%d", next)

		// Reverse entry guards injectivity: an existing label document means
		// the mapping store is corrupted, and the allocation fails closed
		// rather than reassigning the label.
		if _, err := tx.Get(labels.Doc(label)); err == nil {
			return goerr.Wrap(model.ErrLabelConflict, "", goerr.V("label", label), goerr.V("raw_id", rawID))
		} else if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to read label index", goerr.V("label", label))
		}

		if err := tx.Set(counter, &labelCounterDoc{Next: next + 1}); err != nil {
			return goerr.Wrap(err, "failed to advance label counter")
		}
		if err := tx.Set(pseudonyms.Doc(rawID), &pseudonymDoc{
			RawID:       rawID,
			Label:       label,
			AllocatedAt: time.Now().UTC(),
		}); err != nil {
			return goerr.Wrap(err, "failed to write pseudonym", goerr.V("raw_id", rawID))
		}
		if err := tx.Set(labels.Doc(label), map[string]any{"RawID": rawID}); err != nil {
			return goerr.Wrap(err, "failed to write label index", goerr.V("label", label))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return label, nil
}
