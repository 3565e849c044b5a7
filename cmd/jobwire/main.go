package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/jobwire/cmd/jobwire/cmds"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := cmds.NewRootCommand()
	cobra.CheckErr(err)

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("jobwire failed")
		stop()
		os.Exit(1)
	}
}
