package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/retrieval"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func queryCommand() *cli.Command {
	var (
		cfg         config
		query       string
		rerankPath  string
		interactive bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Question to retrieve evidence for",
			Sources:     cli.EnvVars("BURROW_QUERY"),
			Destination: &query,
		},
		&cli.StringFlag{
			Name:        "rerank",
			Aliases:     []string{"r"},
			Usage:       "Path to rerank policy YAML",
			Sources:     cli.EnvVars("BURROW_RERANK_CONFIG"),
			Destination: &rerankPath,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Usage:       "Read queries from an interactive prompt",
			Destination: &interactive,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:  "query",
		Usage: "Retrieve reranked knowledge for a question",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			rerankCfg, err := loadRerankConfig(rerankPath)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, repo)

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			engine, err := retrieval.New(repo, rerankCfg)
			if err != nil {
				return err
			}

			if interactive {
				return queryLoop(ctx, engine, gemini, c.Root().Writer)
			}
			if query == "" {
				return goerr.New("query is required unless interactive")
			}
			return runQuery(ctx, engine, gemini, c.Root().Writer, query)
		},
	}
}

// rerankFile mirrors retrieval.Config with human-readable durations
type rerankFile struct {
	Candidates      int     `yaml:"candidates"`
	TopN            int     `yaml:"top_n"`
	SemanticWeight  float64 `yaml:"semantic_weight"`
	RecencyWeight   float64 `yaml:"recency_weight"`
	StatusWeight    float64 `yaml:"status_weight"`
	RecencyHalfLife string  `yaml:"recency_half_life"`
	SearchTimeout   string  `yaml:"search_timeout"`
}

func loadRerankConfig(path string) (retrieval.Config, error) {
	var cfg retrieval.Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, goerr.Wrap(err, "failed to read rerank config", goerr.V("path", path))
	}

	var file rerankFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, goerr.Wrap(err, "failed to parse rerank config", goerr.V("path", path))
	}

	cfg = retrieval.Config{
		Candidates:     file.Candidates,
		TopN:           file.TopN,
		SemanticWeight: file.SemanticWeight,
		RecencyWeight:  file.RecencyWeight,
		StatusWeight:   file.StatusWeight,
	}
	if cfg.RecencyHalfLife, err = parseDuration(file.RecencyHalfLife, "recency_half_life"); err != nil {
		return cfg, err
	}
	if cfg.SearchTimeout, err = parseDuration(file.SearchTimeout, "search_timeout"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, goerr.New("rerank config field is required", goerr.V("field", field))
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, goerr.Wrap(err, "invalid duration in rerank config", goerr.V("field", field))
	}
	return d, nil
}

func runQuery(ctx context.Context, engine *retrieval.Engine, gemini adapter.Gemini, w io.Writer, query string) error {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " retrieving evidence..."
	sp.Start()

	evidence, err := retrieve(ctx, engine, gemini, query)
	sp.Stop()
	if err != nil {
		return err
	}

	printEvidence(w, evidence)
	return nil
}

func retrieve(ctx context.Context, engine *retrieval.Engine, gemini adapter.Gemini, query string) ([]*model.ScoredNugget, error) {
	embedding, err := gemini.Embedding(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}
	return engine.Retrieve(ctx, embedding, time.Now())
}

func printEvidence(w io.Writer, evidence []*model.ScoredNugget) {
	if len(evidence) == 0 {
		fmt.Fprintln(w, "No relevant information found.")
		return
	}

	for i, ev := range evidence {
		n := ev.Nugget
		fmt.Fprintf(w, "%d. [%s] %s (%s)\n", i+1, n.Status, n.Topic, n.Timestamp.Format("2006-01-02"))
		fmt.Fprintf(w, "   score=%.3f (semantic=%.3f recency=%.3f status=%.2f)\n",
			ev.FinalScore, ev.SemanticScore, ev.RecencyScore, ev.StatusWeight)
		fmt.Fprintf(w, "   %s\n", n.TopicSummary)
	}
}

func queryLoop(ctx context.Context, engine *retrieval.Engine, gemini adapter.Gemini, w io.Writer) error {
	rl, err := readline.New("? ")
	if err != nil {
		return goerr.Wrap(err, "failed to open prompt")
	}
	defer rl.Close()

	fmt.Fprintln(w, "Ask a question. Type 'exit' to quit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read query")
		}

		if line == "exit" {
			break
		}
		if line == "" {
			continue
		}

		if err := runQuery(ctx, engine, gemini, w, line); err != nil {
			return err
		}
	}

	return nil
}
