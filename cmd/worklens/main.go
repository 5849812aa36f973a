package main

import (
	"context"
	"os"

	"github.com/worklens/worklens/internal/cli"
	"github.com/worklens/worklens/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
