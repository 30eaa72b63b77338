package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"goyais/toolhost/internal/agentcore/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	wd, _ := os.Getwd()
	app := NewApp(Dependencies{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Env:        config.Environ(),
		WorkingDir: wd,
		Version:    version,
	})
	code := app.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
