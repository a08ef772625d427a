package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func importCommand() *cli.Command {
	var (
		cfg   config
		input string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to JSONL file of knowledge nuggets",
			Sources:     cli.EnvVars("BURROW_NUGGET_INPUT"),
			Destination: &input,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, geminiFlags(&cfg)...)

	return &cli.Command{
		Name:  "import",
		Usage: "Embed and store knowledge nuggets from a JSONL file",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)
			logger := logging.From(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, repo)

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			f, err := os.Open(input)
			if err != nil {
				return goerr.Wrap(err, "failed to open nugget file", goerr.V("path", input))
			}
			defer f.Close()

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

			var line, imported int
			for scanner.Scan() {
				line++
				raw := scanner.Bytes()
				if len(raw) == 0 {
					continue
				}

				var nugget model.KnowledgeNugget
				if err := json.Unmarshal(raw, &nugget); err != nil {
					return goerr.Wrap(err, "failed to decode nugget", goerr.V("line", line))
				}
				if err := nugget.Validate(); err != nil {
					return goerr.Wrap(err, "invalid nugget record", goerr.V("line", line))
				}

				embedding, err := gemini.Embedding(ctx, nugget.DetailedAnalysis)
				if err != nil {
					return goerr.Wrap(err, "failed to embed nugget", goerr.V("line", line))
				}
				nugget.Embedding = firestore.Vector32(embedding)

				if err := repo.PutNugget(ctx, &nugget); err != nil {
					return goerr.Wrap(err, "failed to store nugget", goerr.V("line", line))
				}
				imported++
				logger.Debug("imported nugget", "id", nugget.ID, "topic", nugget.Topic)
			}
			if err := scanner.Err(); err != nil {
				return goerr.Wrap(err, "failed to read nugget file", goerr.V("path", input))
			}

			fmt.Fprintf(c.Root().Writer, "Imported %d nuggets\n", imported)
			return nil
		},
	}
}
