package bridge

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-rehab/pkg/conversation"
	"github.com/teslashibe/go-rehab/pkg/tools"
)

// StatePath is where watchers subscribe to state and transcript events.
const StatePath = "/ws/state"

// RegisterRoutes registers the display websocket, the state watch stream
// and the /api routes on app.
func (s *Session) RegisterRoutes(app *fiber.App) {
	s.peers.RegisterRoutes(app)
	s.watch.RegisterRoutes(app, StatePath)

	api := app.Group("/api")
	s.peers.RegisterAPIRoutes(api)
	s.RegisterAPIRoutes(api)
}

// RegisterAPIRoutes registers the session API on api.
func (s *Session) RegisterAPIRoutes(api fiber.Router) {
	// Current shared state
	api.Get("/state", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": s.store.Version(),
			"state":   s.store.Snapshot(),
		})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})

	api.Get("/tools", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"tools": s.ConversationTools()})
	})

	// Invoke a tool by hand, as the model would
	api.Post("/tools/:name", func(c *fiber.Ctx) error {
		name := c.Params("name")
		if _, ok := s.registry.Lookup(name); !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown tool: " + name})
		}

		var args map[string]any
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&args); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
		}

		result := s.registry.Invoke(c.UserContext(), name, tools.Flatten(args))
		return c.JSON(fiber.Map{"tool": name, "result": result})
	})

	// Send a user message to the model
	api.Post("/say", func(c *fiber.Ctx) error {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if req.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
		}

		if err := s.Say(req.Text); err != nil {
			status := fiber.StatusBadGateway
			if errors.Is(err, conversation.ErrNotConnected) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "sent"})
	})
}
