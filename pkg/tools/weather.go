package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teslashibe/go-rehab/internal/httpc"
)

// DefaultWeatherURL is the wttr.in service the weather tool queries.
const DefaultWeatherURL = "https://wttr.in"

// WeatherFetcher returns a short condition/temperature text for a location.
type WeatherFetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// StatusError is a non-200 answer from the weather service.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("Failed to get weather data, status code: %d", e.StatusCode)
}

// Wttr fetches "%C+%t" (condition and temperature) from a wttr.in compatible service.
type Wttr struct {
	BaseURL string
	Client  *http.Client
}

// NewWttr creates a fetcher. An empty baseURL uses DefaultWeatherURL.
func NewWttr(baseURL string) *Wttr {
	if baseURL == "" {
		baseURL = DefaultWeatherURL
	}
	return &Wttr{BaseURL: strings.TrimRight(baseURL, "/"), Client: httpc.Client}
}

// Fetch implements WeatherFetcher.
func (w *Wttr) Fetch(ctx context.Context, location string) (string, error) {
	u := fmt.Sprintf("%s/%s?format=%%C+%%t", w.BaseURL, url.PathEscape(location))

	resp, err := httpc.Get(ctx, w.Client, u)
	if err != nil {
		return "", fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read weather response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
