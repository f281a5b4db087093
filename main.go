package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kvbridge/kvbridge/cmd"
	"github.com/kvbridge/kvbridge/envconfig"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
