package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rickgao/tradesync/internal/auth"
)

// Endpoint paths.
const (
	SessionPath = "/session"
	ModePath    = "/session/mode"
)

// GetSession fetches the current session status.
func (c *Client) GetSession(ctx context.Context) (*SessionStatus, error) {
	var resp SessionStatus
	if err := c.Do(ctx, http.MethodGet, SessionPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &resp, nil
}

// SwitchMode asks the backend to move the session into mode ("paper" or "live").
func (c *Client) SwitchMode(ctx context.Context, mode string) error {
	var resp ModeResponse
	if err := c.Do(ctx, http.MethodPost, ModePath, ModeRequest{Mode: mode}, &resp); err != nil {
		return fmt.Errorf("switch mode to %s: %w", mode, err)
	}
	if resp.Mode != "" && resp.Mode != mode {
		return fmt.Errorf("switch mode to %s: backend reports %s", mode, resp.Mode)
	}
	return nil
}

func authorize(h http.Header, c *Client) error {
	if err := auth.Apply(h, c.tokens); err != nil {
		return fmt.Errorf("authorize request: %w", err)
	}
	return nil
}
