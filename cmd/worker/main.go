package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"boxrelay/internal/app"
)

func main() {
	var cfgPath, envFiles string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.StringVar(&envFiles, "env", ".env", "comma-separated env files loaded before the config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := app.NewWorker(ctx, app.Options{ConfigPath: cfgPath, EnvFiles: strings.Split(envFiles, ",")})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := w.Run(ctx); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
