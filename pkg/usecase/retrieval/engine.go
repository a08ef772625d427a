package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config holds the rerank policy. The three weights are policy choices with
// no canonical default, so they are required; a zero Config never validates.
type Config struct {
	// Candidates is how many nearest neighbors stage 1 requests
	Candidates int `yaml:"candidates"`

	// TopN is the size of the final evidence set
	TopN int `yaml:"top_n"`

	// Score weights, all required and non-negative with a positive sum
	SemanticWeight float64 `yaml:"semantic_weight"`
	RecencyWeight  float64 `yaml:"recency_weight"`
	StatusWeight   float64 `yaml:"status_weight"`

	// RecencyHalfLife is the age at which the recency score halves
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`

	// SearchTimeout is the deadline for the nearest-neighbor call
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// Validate rejects a configuration that cannot produce finite, meaningful
// scores. This runs at startup, never at request time.
func (c *Config) Validate() error {
	if c.Candidates <= 0 {
		return goerr.New("retrieval candidate count must be positive", goerr.V("candidates", c.Candidates))
	}
	if c.TopN <= 0 {
		return goerr.New("rerank top-n must be positive", goerr.V("top_n", c.TopN))
	}
	if c.TopN > c.Candidates {
		return goerr.New("rerank top-n must not exceed candidate count",
			goerr.V("top_n", c.TopN), goerr.V("candidates", c.Candidates))
	}
	for name, w := range map[string]float64{
		"semantic_weight": c.SemanticWeight,
		"recency_weight":  c.RecencyWeight,
		"status_weight":   c.StatusWeight,
	} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return goerr.New("rerank weight must be a non-negative finite number",
				goerr.V("weight", name), goerr.V("value", w))
		}
	}
	if c.SemanticWeight+c.RecencyWeight+c.StatusWeight <= 0 {
		return goerr.New("at least one rerank weight must be positive")
	}
	if c.RecencyHalfLife <= 0 {
		return goerr.New("recency half-life must be positive", goerr.V("half_life", c.RecencyHalfLife))
	}
	if c.SearchTimeout <= 0 {
		return goerr.New("search timeout must be positive", goerr.V("timeout", c.SearchTimeout))
	}
	return nil
}

// Engine is the two-stage retrieval and reranking engine. It is stateless per
// call: the output is a pure function of the query embedding, the store
// contents, the clock reading and the configured weights.
type Engine struct {
	store repository.NuggetStore
	cfg   Config
}

// New creates an engine with a validated configuration
func New(store repository.NuggetStore, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, cfg: cfg}, nil
}

// Retrieve returns the reranked evidence set for a query embedding. If the
// nearest-neighbor call misses its deadline the engine degrades to an empty
// set instead of failing the serving path; callers report "no relevant
// information found" on empty evidence.
func (e *Engine) Retrieve(ctx context.Context, embedding []float32, now time.Time) ([]*model.ScoredNugget, error) {
	searchCtx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	matches, err := e.store.SearchNuggets(searchCtx, embedding, e.cfg.Candidates)
	if err != nil {
		if searchTimedOut(err, searchCtx, ctx) {
			logging.From(ctx).Warn("nearest-neighbor search timed out, returning empty evidence",
				"timeout", e.cfg.SearchTimeout)
			return nil, nil
		}
		return nil, goerr.Wrap(err, "nearest-neighbor search failed")
	}

	return e.rerank(matches, now), nil
}

// searchTimedOut reports whether a search failure is the stage-1 deadline
// overrun rather than a store fault or caller cancellation. A missed deadline
// surfaces as context.DeadlineExceeded from in-process stores, as a gRPC
// DeadlineExceeded status from the Firestore client, or only on the search
// context when the store wraps the error.
func searchTimedOut(err error, searchCtx, ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if status.Code(err) == codes.DeadlineExceeded {
		return true
	}
	return searchCtx.Err() == context.DeadlineExceeded
}

// rerank is stage 2: filter, score, sort, truncate
func (e *Engine) rerank(matches []*repository.NuggetMatch, now time.Time) []*model.ScoredNugget {
	scored := make([]*model.ScoredNugget, 0, len(matches))
	for _, match := range matches {
		if match.Nugget.Status == model.StatusOutdated {
			continue
		}
		scored = append(scored, e.score(match, now))
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.Nugget.Timestamp.Equal(b.Nugget.Timestamp) {
			return a.Nugget.Timestamp.After(b.Nugget.Timestamp)
		}
		return a.Nugget.ID < b.Nugget.ID
	})

	if len(scored) > e.cfg.TopN {
		scored = scored[:e.cfg.TopN]
	}
	return scored
}

func (e *Engine) score(match *repository.NuggetMatch, now time.Time) *model.ScoredNugget {
	semantic := clamp01(1.0 - match.Distance)
	recency := recencyScore(match.Nugget.Timestamp, now, e.cfg.RecencyHalfLife)
	status := match.Nugget.Status.BaseWeight()

	return &model.ScoredNugget{
		Nugget:        match.Nugget,
		SemanticScore: semantic,
		RecencyScore:  recency,
		StatusWeight:  status,
		FinalScore: e.cfg.SemanticWeight*semantic +
			e.cfg.RecencyWeight*recency +
			e.cfg.StatusWeight*status,
	}
}

// recencyScore decays exponentially with age and is bounded to [0, 1].
// Future timestamps score 1.
func recencyScore(ts, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(ts)
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
