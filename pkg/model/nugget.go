package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type NuggetID string

// NewNuggetID generates a new unique NuggetID
func NewNuggetID() NuggetID {
	return NuggetID(uuid.New().String())
}

// NuggetStatus describes the reliability of a knowledge nugget
type NuggetStatus string

const (
	StatusFact             NuggetStatus = "FACT"
	StatusSpeculation      NuggetStatus = "SPECULATION"
	StatusOutdated         NuggetStatus = "OUTDATED"
	StatusCommunityOpinion NuggetStatus = "COMMUNITY_OPINION"
)

// Validate checks if the status is one of the known values
func (s NuggetStatus) Validate() error {
	switch s {
	case StatusFact, StatusSpeculation, StatusOutdated, StatusCommunityOpinion:
		return nil
	default:
		return goerr.Wrap(ErrInvalidStatus, "unknown status", goerr.V("status", s))
	}
}

// BaseWeight returns the fixed reliability ordering used by the reranker:
// FACT > COMMUNITY_OPINION > SPECULATION. OUTDATED nuggets are filtered out
// before scoring, so their weight is zero.
func (s NuggetStatus) BaseWeight() float64 {
	switch s {
	case StatusFact:
		return 1.0
	case StatusCommunityOpinion:
		return 0.6
	case StatusSpeculation:
		return 0.3
	case StatusOutdated:
		return 0.0
	default:
		return 0.0
	}
}

// KnowledgeNugget is a synthesized, searchable summary of one conversation's
// substance. Nuggets are created by the external synthesis collaborator and
// immutable once stored, except for status transitions performed by curation.
type KnowledgeNugget struct {
	ID               NuggetID     `json:"-"`
	Topic            string       `json:"topic"`
	Timestamp        time.Time    `json:"timestamp"`
	TopicSummary     string       `json:"topic_summary"`
	DetailedAnalysis string       `json:"detailed_analysis"`
	Status           NuggetStatus `json:"status"`
	Keywords         []string     `json:"keywords"`
	SourceMessageIDs []int64      `json:"source_message_ids"`
	UserIDsInvolved  []string     `json:"user_ids_involved"`

	// Embedding of DetailedAnalysis, stored for vector search only
	Embedding firestore.Vector32 `json:"-"`
}

// Validate checks the fields required before a nugget enters the store
func (n *KnowledgeNugget) Validate() error {
	if n.Topic == "" {
		return goerr.New("nugget topic is empty")
	}
	if n.Timestamp.IsZero() {
		return goerr.New("nugget timestamp is empty", goerr.V("topic", n.Topic))
	}
	if err := n.Status.Validate(); err != nil {
		return err
	}
	return nil
}

// ScoredNugget is the per-retrieval scoring of a nugget. It exists only for
// the duration of one retrieval call and is never persisted.
type ScoredNugget struct {
	Nugget        *KnowledgeNugget
	SemanticScore float64
	RecencyScore  float64
	StatusWeight  float64
	FinalScore    float64
}
