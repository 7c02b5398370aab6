package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CustodyBox/config"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("custody-worker", pflag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("configPath"), "path to the YAML config")
	swaggerPath := fs.String("swagger", os.Getenv("workerSwaggerPath"), "path to the worker swagger.json")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunCustodyWorker(ctx, cfg, *swaggerPath, defaultWorkerFactories()); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
