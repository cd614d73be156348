package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/nexlance/chatsync/internal/api"
	"github.com/nexlance/chatsync/internal/cache"
	"github.com/nexlance/chatsync/internal/config"
	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/engine"
	"github.com/nexlance/chatsync/internal/models"
	"github.com/nexlance/chatsync/internal/observability"
	"github.com/nexlance/chatsync/internal/realtime"
	"github.com/nexlance/chatsync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	validate := validator.New(validator.WithRequiredStructEnabled())

	messageStore := store.New(logger)

	var history *cache.History
	if cfg.CachePath != "" {
		history, err = cache.Open(cfg.CachePath, cfg.CacheRoomLimit, logger)
		if err != nil {
			log.Fatalf("failed to open history cache: %v", err)
		}
		defer history.Close()

		messageStore.SetMergeListener(func(roomID string, accepted []models.Message) {
			history.Put(roomID, accepted)
		})
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken, logger)
	conn := realtime.NewManager(cfg.RealtimeURL, cfg.APIToken, cfg.ReconnectMaxWait, logger)
	defer conn.Close()

	pager := engine.NewPaginator(client, messageStore, cfg.HistoryPageSize, cfg.HistoryTimeout, logger)
	sender := engine.NewSender(client, messageStore, cfg.ReconcileWindow, cfg.MaxAttachmentBytes, validate, logger)

	unread := engine.NewUnreadTracker(client, client, cfg.UnreadPollInterval, logger)

	var seeder engine.HistorySeeder
	if history != nil {
		seeder = history
	}

	coordinator := engine.NewCoordinator(conn, pager, messageStore, unread, seeder, logger)
	defer coordinator.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Start(runCtx); err != nil {
		log.Fatalf("failed to start session coordinator: %v", err)
	}
	unread.Start(runCtx)

	if room := os.Getenv("CHATSYNC_SOAK_ROOM"); room != "" {
		if err := coordinator.Activate(runCtx, room); err != nil {
			logger.Warn().Err(err).Str("room_id", room).Msg("soak room activation failed")
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", observability.MetricsHandler())

	// Operational surface for soak testing: drive the engine the way an
	// embedding UI would.
	app.Post("/rooms/:id/activate", func(c *fiber.Ctx) error {
		if err := coordinator.Activate(c.Context(), c.Params("id")); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/rooms/:id/messages", func(c *fiber.Ctx) error {
		return c.JSON(messageStore.Read(c.Params("id")))
	})

	app.Post("/rooms/:id/messages", func(c *fiber.Ctx) error {
		var body struct {
			Content     string                  `json:"content"`
			Attachments []dto.AttachmentPayload `json:"attachments"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		message, err := sender.Submit(c.Context(), c.Params("id"), body.Content, body.Attachments)
		var validationErr *engine.ValidationError
		switch {
		case errors.As(err, &validationErr):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": validationErr.Error()})
		case err != nil:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusCreated).JSON(message)
	})

	app.Get("/rooms/:id/more", func(c *fiber.Ctx) error {
		if err := pager.LoadMore(c.Context(), c.Params("id")); err != nil {
			status := fiber.StatusBadGateway
			if errors.Is(err, engine.ErrLoadInFlight) {
				status = fiber.StatusConflict
			}
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"has_more": pager.HasMore(c.Params("id"))})
	})

	app.Get("/unread", func(c *fiber.Ctx) error {
		return c.JSON(unread.Counts())
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("agent stopped")
}
