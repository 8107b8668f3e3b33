package server

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"idset/config"
	routes "idset/server/routes"
)

// New returns the fiber app serving every database under reg.
func New(reg *routes.Registry) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.SetupRoutes(app, reg)
	return app
}

// Server listens on the configured address until ctx is done, then shuts the
// app down and closes every database it opened.
func Server(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	reg := routes.NewRegistry(cfg.Storage.Root, cfg.Storage.Options(log), log)
	app := New(reg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("fiber listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return errors.Wrapf(err, "failed to listen on %s", addr)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return app.Shutdown()
	})

	err := g.Wait()
	return multierr.Append(err, reg.Close())
}
