package cli

import (
	"context"

	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "burrow",
		Usage: "Chat archive conversation builder and knowledge retrieval",
		Commands: []*cli.Command{
			ingestCommand(),
			queryCommand(),
			importCommand(),
			outdateCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
