package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/billing-backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func ipLimiter(limit int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	})
}

func Setup(
	app *fiber.App,
	cfg *config.Config,
	gatherer prometheus.Gatherer,
	healthHandler *handlers.HealthHandler,
	paymentHandler *handlers.PaymentHandler,
	accountHandler *handlers.AccountHandler,
	webhookHandler *handlers.WebhookHandler,
) {
	// Health checks (no rate limit)
	app.Get("/health", healthHandler.Check)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Checkout: 10 req/min per IP
	app.Post("/payment/create", ipLimiter(10), paymentHandler.CreatePayment)

	// Account deletion (JWT required)
	app.Post("/user/delete", ipLimiter(10), middleware.JWTProtected(cfg.JWTSecret), accountHandler.DeleteUser)

	// Provider webhooks: authenticated by signature, not by token
	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", webhookHandler.HandleStripe)
}
