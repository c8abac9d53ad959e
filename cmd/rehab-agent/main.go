// rehab-agent: voice coach for the Play Lab exercise display.
// The display app connects over WebSocket; the realtime model drives it
// through tool calls and reads its progress back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-rehab/internal/config"
	rlog "github.com/teslashibe/go-rehab/internal/log"
	"github.com/teslashibe/go-rehab/pkg/bridge"
	"github.com/teslashibe/go-rehab/pkg/conversation"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	rlog.Init(cfg.LogLevel)
	log := rlog.With("component", "main")

	log.Info("rehab-agent starting", "version", version, "model", cfg.OpenAI.Model)

	opts := []conversation.Option{
		conversation.WithAPIKey(cfg.OpenAI.APIKey),
		conversation.WithModel(cfg.OpenAI.Model),
		conversation.WithVoice(cfg.OpenAI.Voice),
		conversation.WithTemperature(cfg.OpenAI.Temperature),
		conversation.WithLogger(rlog.L()),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, conversation.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	provider, err := conversation.NewOpenAI(opts...)
	if err != nil {
		log.Error("conversation provider", "error", err)
		os.Exit(1)
	}

	session, err := bridge.New(bridge.Config{
		Prompt:       cfg.Prompt,
		Greeting:     cfg.Greeting,
		Voice:        cfg.OpenAI.Voice,
		Temperature:  cfg.OpenAI.Temperature,
		RPCTimeout:   cfg.RPCTimeout,
		PeerIdentity: cfg.PeerIdentity,
		SinglePeer:   cfg.SinglePeer,
		WeatherURL:   cfg.WeatherURL,
	}, provider, bridge.WithLogger(rlog.L()))
	if err != nil {
		log.Error("session", "error", err)
		os.Exit(1)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "rehab-agent",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(logger.New())
	}

	session.RegisterRoutes(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"version":      version,
			"displays":     session.Peers().PeerCount(),
			"conversation": provider.IsConnected(),
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.SendString(metrics(session.Stats()))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("server listening",
			"addr", addr,
			"display", fmt.Sprintf("ws://localhost:%d/ws/peer/:id", cfg.Port),
			"watch", fmt.Sprintf("ws://localhost:%d%s", cfg.Port, bridge.StatePath),
		)
		if err := app.Listen(addr); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	if err := session.Run(ctx); err != nil {
		log.Error("session ended", "error", err)
	}

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	if err := session.Close(); err != nil {
		log.Warn("session close", "error", err)
	}

	log.Info("goodbye")
}

func metrics(s bridge.Stats) string {
	return fmt.Sprintf(`# HELP rehab_displays Connected display count
# TYPE rehab_displays gauge
rehab_displays %d

# HELP rehab_rpc_sent_total Commands acknowledged by the display
# TYPE rehab_rpc_sent_total counter
rehab_rpc_sent_total %d

# HELP rehab_rpc_no_endpoint_total Commands skipped with no display connected
# TYPE rehab_rpc_no_endpoint_total counter
rehab_rpc_no_endpoint_total %d

# HELP rehab_rpc_failures_total Commands that failed or timed out
# TYPE rehab_rpc_failures_total counter
rehab_rpc_failures_total %d

# HELP rehab_ingest_merged_total Display updates merged into state
# TYPE rehab_ingest_merged_total counter
rehab_ingest_merged_total %d

# HELP rehab_ingest_malformed_total Display updates rejected as malformed
# TYPE rehab_ingest_malformed_total counter
rehab_ingest_malformed_total %d

# HELP rehab_tool_calls_total Tool invocations
# TYPE rehab_tool_calls_total counter
rehab_tool_calls_total %d

# HELP rehab_tool_failures_total Tool invocations that failed
# TYPE rehab_tool_failures_total counter
rehab_tool_failures_total %d

# HELP rehab_state_version Shared state version
# TYPE rehab_state_version gauge
rehab_state_version %d

# HELP rehab_model_connected Whether the model connection is up
# TYPE rehab_model_connected gauge
rehab_model_connected %d

# HELP rehab_model_reconnects_total Model connections restored after a drop
# TYPE rehab_model_reconnects_total counter
rehab_model_reconnects_total %d

# HELP rehab_model_messages_sent_total Events sent to the model
# TYPE rehab_model_messages_sent_total counter
rehab_model_messages_sent_total %d

# HELP rehab_model_messages_received_total Events received from the model
# TYPE rehab_model_messages_received_total counter
rehab_model_messages_received_total %d

# HELP rehab_model_tool_calls_total Tool calls requested by the model
# TYPE rehab_model_tool_calls_total counter
rehab_model_tool_calls_total %d

# HELP rehab_model_errors_total Model connection and API errors
# TYPE rehab_model_errors_total counter
rehab_model_errors_total %d
`,
		s.Peers.PeerCount,
		s.Dispatch.Sent,
		s.Dispatch.NoEndpoint,
		s.Dispatch.Failures,
		s.Ingest.Merged,
		s.Ingest.Malformed,
		s.Tools.Invoked,
		s.Tools.Failed,
		s.StateVersion,
		boolGauge(s.Conversation.Connected),
		s.Conversation.Reconnects,
		s.Conversation.Traffic.MessagesSent,
		s.Conversation.Traffic.MessagesReceived,
		s.Conversation.Traffic.ToolCallsReceived,
		s.Conversation.Traffic.Errors,
	)
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
