// Package notify pushes operational alerts over ntfy so the process
// owner learns about receive-path faults without watching logs.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/config"
)

// Notifier is the interface for surfacing relay faults.
type Notifier interface {
	SendSocketFault(ctx context.Context, listenAddr string, cause error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *config.NotifyConfig
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *config.NotifyConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// SendSocketFault reports a fatal receive-path failure. The relay is
// about to exit when this fires; the owner decides restart/backoff.
func (c *Client) SendSocketFault(ctx context.Context, listenAddr string, cause error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Frame relay down: %s", listenAddr)
	message := fmt.Sprintf("Receive socket failed: %v\nThe ingest loop has stopped; restart the relay.", cause)

	return c.send(ctx, title, message, "rotating_light", "high")
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification failed with status %d: %s", resp.StatusCode, body)
	}

	c.logger.Info("fault notification sent",
		zap.String("topic", c.config.Topic),
		zap.String("title", title),
	)
	return nil
}
