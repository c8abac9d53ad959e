package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/teslashibe/go-rehab/pkg/dispatch"
	"github.com/teslashibe/go-rehab/pkg/endpoint"
	"github.com/teslashibe/go-rehab/pkg/protocol"
	"github.com/teslashibe/go-rehab/pkg/state"
)

// Deps holds what the built-in tools need.
type Deps struct {
	Peers      endpoint.PeerSource
	Resolver   endpoint.Resolver
	Dispatcher *dispatch.Dispatcher
	State      *state.Store
	Weather    WeatherFetcher
	Logger     *slog.Logger
}

// Catalog returns the built-in tools, in the order they are offered to the model.
func Catalog(deps Deps) []Tool {
	t := &catalog{deps: deps}
	if t.deps.Logger == nil {
		t.deps.Logger = slog.Default()
	}

	return []Tool{
		{
			Descriptor{
				Name:        "get_weather",
				Description: "Fetch the current weather for a location and show it on the display.",
				Params: []Param{
					{Name: "location", Description: "The location to get the weather for", Type: TypeString},
				},
			},
			t.getWeather,
		},
		{
			Descriptor{
				Name:        "change_background",
				Description: "Change the display background color when the user asks for a different color.",
				Params: []Param{
					{Name: "color", Description: "The color to change the background to, e.g. blue, green, white", Type: TypeString},
				},
			},
			t.changeBackground,
		},
		{
			Descriptor{
				Name:        "start_game",
				Description: "Start the exercise game when the user says to start. Set Yes to true.",
				Params: []Param{
					{Name: "Yes", Description: "Starting the game", Type: TypeBoolean, Enum: []string{"true", "false"}},
				},
			},
			t.startGame,
		},
		{
			Descriptor{
				Name:        "select_exercise",
				Description: "Select which exercise the user will do next.",
				Params: []Param{
					{Name: "exercise", Description: "Exercise name, e.g. Leg Raises, Squats, Arm Circles", Type: TypeString},
				},
			},
			t.selectExercise,
		},
		{
			Descriptor{
				Name:        "change_reps",
				Description: "Change how many repetitions the user should do.",
				Params: []Param{
					{Name: "reps", Description: "Number of repetitions", Type: TypeInteger},
				},
			},
			t.changeReps,
		},
		{
			Descriptor{
				Name:        "get_progress",
				Description: "Read what the display has reported about the current exercise, such as reps completed. Use it to check on the user.",
			},
			t.getProgress,
		},
	}
}

// RegisterCatalog registers every built-in tool on r.
func RegisterCatalog(r *Registry, deps Deps) error {
	for _, tool := range Catalog(deps) {
		if err := r.Register(tool.Descriptor, tool.Handler); err != nil {
			return err
		}
	}
	return nil
}

type catalog struct {
	deps Deps
}

func (c *catalog) send(ctx context.Context, method string, payload protocol.Payload) dispatch.Result {
	ep, _ := c.deps.Resolver.ResolveFrom(c.deps.Peers)
	return c.deps.Dispatcher.Dispatch(ctx, ep, method, payload)
}

// outcome turns a dispatch result into what the model is told.
func outcome(res dispatch.Result, done string) string {
	switch res.Status {
	case dispatch.StatusSent:
		return done
	case dispatch.StatusNoEndpoint:
		return "The display isn't connected right now, so nothing changed on screen."
	default:
		return "The display didn't respond, so the change may not have applied."
	}
}

func (c *catalog) getWeather(ctx context.Context, args Args) (string, error) {
	location, err := args.String("location")
	if err != nil {
		return "", err
	}
	if c.deps.Weather == nil {
		return "Weather is unavailable right now.", nil
	}

	c.deps.Logger.Info("fetching weather", "location", location)

	data, err := c.deps.Weather.Fetch(ctx, location)
	if err != nil {
		c.deps.Logger.Error("weather fetch failed", "location", location, "error", err)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return statusErr.Error(), nil
		}
		return "Failed to get weather data.", nil
	}

	report := fmt.Sprintf("The weather in %s is %s.", location, data)
	c.send(ctx, protocol.MethodDisplayWeather, protocol.Payload{}.
		With("location", location).
		With("weather", report))

	return report, nil
}

func (c *catalog) changeBackground(ctx context.Context, args Args) (string, error) {
	color, err := args.String("color")
	if err != nil {
		return "", err
	}
	res := c.send(ctx, protocol.MethodChangeBackground, protocol.Payload{}.With("color", color))
	return outcome(res, fmt.Sprintf("Changed the background to %s.", color)), nil
}

func (c *catalog) startGame(ctx context.Context, args Args) (string, error) {
	yes, err := args.Bool("Yes")
	if err != nil {
		return "", err
	}
	res := c.send(ctx, protocol.MethodStartGame, protocol.Payload{}.With("Yes", yes))
	if !yes {
		return outcome(res, "The game will wait until you're ready."), nil
	}
	return outcome(res, "Starting the game."), nil
}

func (c *catalog) selectExercise(ctx context.Context, args Args) (string, error) {
	exercise, err := args.String("exercise")
	if err != nil {
		return "", err
	}
	res := c.send(ctx, protocol.MethodSelectExercise, protocol.Payload{}.With("exercise", exercise))
	return outcome(res, fmt.Sprintf("Selected %s.", exercise)), nil
}

func (c *catalog) changeReps(ctx context.Context, args Args) (string, error) {
	reps, err := args.Int("reps")
	if err != nil {
		return "", err
	}
	if reps < 1 {
		return "", fmt.Errorf("%w: reps must be at least 1, got %d", ErrInvalidArgument, reps)
	}
	res := c.send(ctx, protocol.MethodChangeReps, protocol.Payload{}.With("reps", reps))
	return outcome(res, fmt.Sprintf("Set %d reps.", reps)), nil
}

func (c *catalog) getProgress(ctx context.Context, args Args) (string, error) {
	if c.deps.State == nil {
		return "Progress is unavailable right now.", nil
	}

	snap := c.deps.State.Snapshot()
	if len(snap) == 0 {
		return "No progress has been reported yet.", nil
	}

	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, snap[k])
	}
	return "Current progress: " + strings.Join(parts, ", "), nil
}
