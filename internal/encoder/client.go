// Package encoder calls the external face encoding service.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrUnavailable is returned when the circuit breaker refuses the call
	ErrUnavailable = errors.New("encoding service unavailable")

	// ErrImageRejected is returned when the service refuses the image itself
	ErrImageRejected = errors.New("image rejected by encoding service")
)

// rejectedStatuses are the responses that blame the image rather than the service.
// Any other 4xx, such as 408 or 429, is retried like a 5xx.
var rejectedStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnsupportedMediaType:  true,
	http.StatusUnprocessableEntity:   true,
}

// maxErrorBody bounds how much of an error response is kept for logging
const maxErrorBody = 512

// Config holds encoding service client configuration
type Config struct {
	URL     string
	Timeout time.Duration
	Breaker BreakerConfig
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// Client posts images to the encoding service through a circuit breaker
type Client struct {
	url        string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates an encoding service client
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("encoder url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	minRequests := cfg.Breaker.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	failureRatio := cfg.Breaker.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.6
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "face-encoder",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		IsSuccessful: isNeutral,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Encoder circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
		logger:     logger,
	}, nil
}

// isNeutral reports whether err must not count as a breaker failure. A rejected image
// says nothing about service health, and a canceled call was abandoned by the caller.
func isNeutral(err error) bool {
	return err == nil || errors.Is(err, ErrImageRejected) || errors.Is(err, context.Canceled)
}

// Encode returns the face encodings found in image, one vector per face.
// An empty result means no face was detected.
func (c *Client) Encode(ctx context.Context, filename string, image []byte) ([][]float64, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.post(ctx, filename, image)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.([][]float64), nil
}

func (c *Client) post(ctx context.Context, filename string, image []byte) ([][]float64, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write multipart file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call encoding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if rejectedStatuses[resp.StatusCode] {
			return nil, fmt.Errorf("%w: status %d: %s", ErrImageRejected, resp.StatusCode, snippet)
		}
		return nil, fmt.Errorf("encoding service returned status %d: %s", resp.StatusCode, snippet)
	}

	var encodings [][]float64
	if err := json.NewDecoder(resp.Body).Decode(&encodings); err != nil {
		return nil, fmt.Errorf("failed to decode encoder response: %w", err)
	}

	c.logger.Debug("Image encoded",
		slog.String("filename", filename),
		slog.Int("faces", len(encodings)),
	)

	return encodings, nil
}
