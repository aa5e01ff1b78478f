package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/pythagonacci/trakgrid/internal/auth"
	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/grid"
	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables and defaults
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Load table and field metadata into the registry
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}
	log.Printf("Registry loaded (%d tables)", len(reg.AllTables()))

	// 5. Instrumentation: buffered event writes plus retention cleanup
	var instrumenter instrument.Instrumenter
	if cfg.Instrumentation.Enabled {
		buffer := instrument.NewEventBuffer(db.DB, db.Dialect, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
		defer buffer.Stop()
		instrumenter = instrument.NewDBInstrumenter(buffer)
		go instrument.CleanupOldEvents(ctx, db.DB, db.Dialect, cfg.Instrumentation.RetentionDays)
		log.Println("Instrumentation enabled")
	}

	// 6. Table engine
	engine := grid.NewEngine(db, reg, grid.NewExprEvaluator(), cfg.Grid)

	// 7. HTTP server
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New())
	if instrumenter != nil {
		app.Use(func(c *fiber.Ctx) error {
			c.SetUserContext(instrument.WithInstrumenter(c.UserContext(), instrumenter))
			return c.Next()
		})
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authMiddleware := auth.AuthMiddleware(cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, auth.NewAuthHandler(db, cfg.JWTSecret))
	grid.RegisterRoutes(app, grid.NewHandler(db, engine), authMiddleware)
	if cfg.Instrumentation.Enabled {
		instrument.RegisterEventRoutes(app, instrument.NewEventHandler(db.DB, db.Dialect), authMiddleware)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

// errorHandler maps engine errors to the wire format. AppErrors carry their
// own status and code; anything else is a 500 with the detail logged, not
// leaked.
func errorHandler(c *fiber.Ctx, err error) error {
	var appErr *grid.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(grid.ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiber.Map{"code": "HTTP_ERROR", "message": fiberErr.Message},
		})
	}
	log.Printf("ERROR: %v", err)
	return c.Status(500).JSON(fiber.Map{
		"error": fiber.Map{"code": "INTERNAL_ERROR", "message": "Internal server error"},
	})
}
