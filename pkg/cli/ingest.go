package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/pipeline"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	var (
		cfg       config
		input     string
		bqProject string
		bqQuery   string

		gap           time.Duration
		sessionWindow time.Duration
		chunkSize     int64
		spillDir      string
		maxOpen       int64

		bucket string
		outDir string
		output string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to JSONL message file",
			Sources:     cli.EnvVars("BURROW_INPUT"),
			Destination: &input,
		},
		&cli.StringFlag{
			Name:        "bq-project",
			Usage:       "BigQuery project ID to read messages from",
			Sources:     cli.EnvVars("BURROW_BQ_PROJECT"),
			Destination: &bqProject,
		},
		&cli.StringFlag{
			Name:        "bq-query",
			Usage:       "SELECT yielding id, sender_id, content, date, reply_to_msg_id",
			Sources:     cli.EnvVars("BURROW_BQ_QUERY"),
			Destination: &bqQuery,
		},
		&cli.DurationFlag{
			Name:        "gap",
			Aliases:     []string{"g"},
			Usage:       "Conversation gap threshold (e.g. 5m)",
			Sources:     cli.EnvVars("BURROW_GAP"),
			Destination: &gap,
			Required:    true,
		},
		&cli.DurationFlag{
			Name:        "session-window",
			Usage:       "Cap on temporal attachment after a conversation starts (0 = unlimited)",
			Sources:     cli.EnvVars("BURROW_SESSION_WINDOW"),
			Destination: &sessionWindow,
		},
		&cli.IntFlag{
			Name:        "chunk-size",
			Usage:       "Messages held in memory per sort chunk",
			Value:       100000,
			Sources:     cli.EnvVars("BURROW_CHUNK_SIZE"),
			Destination: &chunkSize,
		},
		&cli.StringFlag{
			Name:        "spill-dir",
			Usage:       "Directory for sort spill files (default: system temp)",
			Sources:     cli.EnvVars("BURROW_SPILL_DIR"),
			Destination: &spillDir,
		},
		&cli.IntFlag{
			Name:        "max-open",
			Usage:       "Bound on simultaneously open conversations (0 = default)",
			Sources:     cli.EnvVars("BURROW_MAX_OPEN"),
			Destination: &maxOpen,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for conversation output",
			Sources:     cli.EnvVars("BURROW_BUCKET"),
			Destination: &bucket,
		},
		&cli.StringFlag{
			Name:        "out-dir",
			Usage:       "Local output directory when no bucket is set",
			Value:       ".",
			Sources:     cli.EnvVars("BURROW_OUT_DIR"),
			Destination: &outDir,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Output object name",
			Value:       "conversations.json",
			Sources:     cli.EnvVars("BURROW_OUTPUT"),
			Destination: &output,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Sort raw messages and build anonymized conversations",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			source, err := newSource(ctx, input, bqProject, bqQuery)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, repo)

			storage, err := cfg.newStorage(ctx, bucket, outDir)
			if err != nil {
				return err
			}

			sorter, err := pipeline.NewSorter(pipeline.SorterConfig{
				ChunkSize: int(chunkSize),
				Dir:       spillDir,
				Compress:  true,
			})
			if err != nil {
				return err
			}

			builder, err := pipeline.NewBuilder(pipeline.BuilderConfig{
				GapThreshold:  gap,
				SessionWindow: sessionWindow,
				MaxOpen:       int(maxOpen),
			})
			if err != nil {
				return err
			}

			stats, err := runIngest(ctx, source, sorter, pipeline.NewAnonymizer(repo), builder, storage, output)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Ingested %d messages into %d conversations (%d sort runs)\n",
				stats.Messages, stats.Conversations, stats.Runs)
			return nil
		},
	}
}

// runIngest executes the pipeline into the storage object. The output writer
// lives on its own cancelable context: canceling it before Close makes the
// storage backend discard the upload, so a failed run never commits a partial
// conversation object.
func runIngest(ctx context.Context, source adapter.RecordSource, sorter *pipeline.Sorter, anon *pipeline.Anonymizer, builder *pipeline.Builder, st adapter.Storage, output string) (*pipeline.Stats, error) {
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()

	w, err := st.Put(writeCtx, output)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open conversation output", goerr.V("output", output))
	}

	p := pipeline.NewPipeline(source, sorter, anon, builder, w)
	stats, err := p.Run(ctx)
	if err != nil {
		cancelWrite()
		if closeErr := w.Close(); closeErr != nil {
			logging.From(ctx).Debug("output writer aborted", "error", closeErr)
		}
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, goerr.Wrap(err, "failed to finalize conversation output", goerr.V("output", output))
	}
	return stats, nil
}

// newSource selects the record source: a JSONL file or a BigQuery query,
// exactly one of which must be configured.
func newSource(ctx context.Context, input, bqProject, bqQuery string) (adapter.RecordSource, error) {
	switch {
	case input != "" && bqQuery != "":
		return nil, goerr.New("input and bq-query are mutually exclusive")
	case input != "":
		return adapter.NewJSONLSource(input)
	case bqQuery != "":
		if bqProject == "" {
			return nil, goerr.New("bq-project is required with bq-query")
		}
		return adapter.NewBigQuerySource(ctx, bqProject, bqQuery)
	default:
		return nil, goerr.New("either input or bq-query is required")
	}
}

func safeClose(ctx context.Context, repo *repository.Firestore) {
	if err := repo.Close(); err != nil {
		logging.From(ctx).Warn("failed to close repository", "error", err)
	}
}
