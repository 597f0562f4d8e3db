package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"lattice-backend/internal/admin"
	"lattice-backend/internal/auth"
	"lattice-backend/internal/cache"
	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/config"
	"lattice-backend/internal/engine"
	"lattice-backend/internal/history"
	"lattice-backend/internal/provision"
	"lattice-backend/internal/rights"
	"lattice-backend/internal/schemasync"
	"lattice-backend/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("FATAL %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Printf("INFO connected to %s database", st.Dialect.Name())

	clk := clock.System{}
	metaCache := cache.NewMemory()
	rightsCache := cache.NewMemory()

	cat := catalog.New(st, metaCache, cfg.Cache.MetadataTTL())
	sync := schemasync.New(st, cat, clk)

	prov := provision.New(st, sync, clk, cfg.Security.AdminPassword)
	if err := prov.Run(ctx); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	log.Printf("INFO provisioning complete")

	rightsEngine := rights.New(st, rightsCache, cfg.Cache.RightsTTL())
	historyEngine := history.New(st, clk)
	recorder := history.NewRecorder(historyEngine)
	if err := recorder.Start(); err != nil {
		return fmt.Errorf("start history recorder: %w", err)
	}
	defer recorder.Stop()

	crud := engine.New(st, cat, clk, recorder, engine.PageBounds{
		DefaultSize: cfg.Paging.DefaultPageSize,
		MaxSize:     cfg.Paging.MaxPageSize,
	})

	authSvc := auth.NewService(st, clk, cfg.Security.JWTSecret)
	authMW := auth.Middleware(authSvc)

	app := fiber.New(fiber.Config{
		AppName:      "lattice-backend",
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":          "ok",
			"history_pending": recorder.PendingCount(),
		})
	})

	auth.RegisterRoutes(app, authSvc)

	crudHandler := engine.NewHandler(crud, cat, historyEngine, rightsEngine, &engine.FieldValidator{})
	engine.RegisterRoutes(app, crudHandler, authMW)

	adminHandler := admin.NewHandler(st, cat, crud, sync, rightsEngine, clk)
	admin.RegisterRoutes(app, adminHandler, authMW)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("INFO received %v, shutting down", sig)
		return app.Shutdown()
	}
}

// errorHandler renders engine errors with their code and status; fiber
// errors keep their status; everything else is a 500.
func errorHandler(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiber.Map{"code": "HTTP_ERROR", "message": fiberErr.Message},
		})
	}
	log.Printf("ERROR unhandled: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"code": "INTERNAL", "message": "internal server error"},
	})
}
