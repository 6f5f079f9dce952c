package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jun/wopihost/internal/app"
	"github.com/jun/wopihost/internal/config"
	"github.com/jun/wopihost/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("WOPI_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	// Lambda has no scrape endpoint; metrics stay disabled.
	application, err := app.NewApp(context.Background(), cfg, logger, nil)
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}
	lambda.Start(application.HandleRequest)
}
