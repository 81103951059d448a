package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/BearBump/CourierBox/config"
)

func main() {
	_ = godotenv.Load()

	configPath := pflag.StringP("config", "c", "", "path to YAML config (defaults to the configPath env var)")
	httpAddr := pflag.String("http-addr", "", "local API listen address, overrides the config")
	pflag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("configPath")
	}
	if *configPath == "" {
		*configPath = "config/config.yaml"
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}
	if *httpAddr != "" {
		cfg.Agent.HTTPAddr = *httpAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runAgent(ctx, cfg, defaultAgentFactories()); err != nil && err != context.Canceled {
		panic(err)
	}
}
