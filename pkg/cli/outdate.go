package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/urfave/cli/v3"
)

func outdateCommand() *cli.Command {
	var (
		cfg      config
		nuggetID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Nugget ID to mark as outdated",
			Sources:     cli.EnvVars("BURROW_NUGGET_ID"),
			Destination: &nuggetID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "outdate",
		Usage: "Mark a knowledge nugget as outdated",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.loggerContext(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer safeClose(ctx, repo)

			if err := repo.UpdateNuggetStatus(ctx, model.NuggetID(nuggetID), model.StatusOutdated); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Nugget %s marked as %s\n", nuggetID, model.StatusOutdated)
			return nil
		},
	}
}
