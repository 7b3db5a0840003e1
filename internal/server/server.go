// Package server runs the HTTP API until its context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/handlers"
	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/internal/logging"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

// Run serves the API described by s until ctx is done.
func Run(ctx context.Context, s *config.Settings) error {
	if s.Env == config.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	svc, cleanup, err := app.Build(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()

	log := logging.Component(logging.New(logging.Options{Level: s.LogLevel, Console: s.Env == config.Development}), "http")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           handlers.NewRouter(svc, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", s.StoreDriver).Str("cache", s.CacheProvider).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
