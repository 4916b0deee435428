package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// APIClient consumes the session-token, status, and usage collaborator
// endpoints. Their implementation is external; this client only speaks their
// contract.
type APIClient struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TokenResponse is the session-token issuance result. SecondsRemaining is the
// server-authoritative time budget; UsedSeconds is the baseline consumed time
// at issuance, carried so end-of-session reports can be absolute.
type TokenResponse struct {
	Token            string `json:"token"`
	SecondsRemaining int    `json:"secondsRemaining"`
	UsedSeconds      int    `json:"usedSeconds"`
}

// StatusResponse is the trial/session status snapshot.
type StatusResponse struct {
	Active           bool `json:"active"`
	SecondsRemaining int  `json:"secondsRemaining"`
	UsedSeconds      int  `json:"usedSeconds"`
}

// usageReport carries the absolute total used-seconds since trial inception.
// Always absolute, never a delta, so duplicate delivery is idempotent on the
// server side.
type usageReport struct {
	SessionID        string `json:"sessionId"`
	TotalUsedSeconds int    `json:"totalUsedSeconds"`
}

// newDefaultHTTPClient configures transport-level timeouts while leaving the
// request lifetime to context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *APIClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return newDefaultHTTPClient()
}

func (c *APIClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SessionToken requests a session token and time budget.
func (c *APIClient) SessionToken(ctx context.Context) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/token", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch session token: %w", err)
	}
	return &resp, nil
}

// Status fetches the current trial/session status. Clocks drift; the caller
// reconciles its countdown against SecondsRemaining on every fetch.
func (c *APIClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/session/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch session status: %w", err)
	}
	return &resp, nil
}

// ReportUsage posts the absolute total used-seconds. The endpoint is
// idempotent under duplicate delivery by the absolute-total convention.
func (c *APIClient) ReportUsage(ctx context.Context, sessionID string, totalUsedSeconds int) error {
	body := usageReport{SessionID: sessionID, TotalUsedSeconds: totalUsedSeconds}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/usage", body, nil); err != nil {
		return NewAccountingError(err.Error())
	}
	return nil
}

// ReportUsageDetached fires a best-effort usage report without awaiting the
// caller. Used on page-unload-style teardown (signals, process exit) so
// minutes are not lost mid-session.
func (c *APIClient) ReportUsageDetached(sessionID string, totalUsedSeconds int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.ReportUsage(ctx, sessionID, totalUsedSeconds); err != nil {
			c.logger().Warn("detached usage report failed", "err", err)
		}
	}()
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
