package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.LoadSettings(".env")
	if err != nil {
		log.Fatal("Failed to load settings:", err)
	}

	if err := server.Run(ctx, settings); err != nil {
		log.Fatal("Server failed:", err)
	}
}
