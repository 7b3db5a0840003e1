package main

import (
	"context"
	"log"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/internal/lambda"
	"github.com/ammiranda/treeext/internal/logging"

	awslambda "github.com/aws/aws-lambda-go/lambda"
)

func main() {
	ctx := context.Background()

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal("Failed to load settings:", err)
	}

	// The service outlives every invocation of the function instance.
	svc, cleanup, err := app.Build(ctx, settings)
	if err != nil {
		log.Fatal("Failed to build service:", err)
	}
	defer cleanup()

	logger := logging.Component(logging.New(logging.Options{Level: settings.LogLevel}), "lambda")
	handler := lambda.NewHandler(svc, logger)

	// Start Lambda
	awslambda.Start(handler.Handle)
}
