package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clinic-reconciler/config"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// ErrMessagingDisabled is returned when no channel token is configured.
var ErrMessagingDisabled = errors.New("messaging channel not configured")

// LineClient pushes messages through the LINE Messaging API.
type LineClient struct {
	api *messaging_api.MessagingApiAPI
}

// NewLineClient returns a disabled client when no channel token is set.
func NewLineClient(cfg config.LINEConfig, httpClient *http.Client) (*LineClient, error) {
	token := strings.TrimSpace(cfg.ChannelToken)
	if token == "" {
		return &LineClient{}, nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	opts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(httpClient)}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		opts = append(opts, messaging_api.WithEndpoint(base))
	}
	api, err := messaging_api.NewMessagingApiAPI(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("line client: %w", err)
	}
	return &LineClient{api: api}, nil
}

func (c *LineClient) Enabled() bool {
	return c != nil && c.api != nil
}

// Push sends text to a LINE user. retryKey makes the platform drop a second
// delivery of the same message; a 409 for a reused key counts as delivered.
func (c *LineClient) Push(ctx context.Context, to string, retryKey string, text string) error {
	if !c.Enabled() {
		return ErrMessagingDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, _, err := c.api.PushMessageWithHttpInfo(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	}, retryKey)
	if err == nil {
		return nil
	}
	if resp != nil && resp.StatusCode == http.StatusConflict && retryKey != "" {
		return nil
	}
	return fmt.Errorf("line push: %w", err)
}
