package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pagewright/pagewright/internal/domain"
	"github.com/pagewright/pagewright/pkg/config"
)

const defaultTimeout = 120 * time.Second

// Client talks to the external collaborators: the pages publisher (deploy
// attempts and domain status) and the generation studio (source repair).
type Client struct {
	publisherURL string
	publisherTok string
	studioURL    string
	studioTok    string
	http         *http.Client
	logger       *slog.Logger
}

// New returns a collaborator client configured from cfg.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	timeout := cfg.CollaboratorTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		publisherURL: strings.TrimRight(cfg.PublisherURL, "/"),
		publisherTok: strings.TrimSpace(cfg.PublisherToken),
		studioURL:    strings.TrimRight(cfg.StudioURL, "/"),
		studioTok:    strings.TrimSpace(cfg.StudioToken),
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// Deploy submits the generated source for one publish attempt and returns the
// attempt outcome, including the ordered build log transcript.
func (c *Client) Deploy(ctx context.Context, repoID string, source json.RawMessage) (domain.AttemptResult, error) {
	payload := map[string]any{
		"repo_id": repoID,
		"source":  source,
	}
	var result domain.AttemptResult
	if err := c.postJSON(ctx, c.publisherURL+"/deploy", c.publisherTok, payload, &result); err != nil {
		return domain.AttemptResult{}, fmt.Errorf("publisher deploy: %w", err)
	}
	return result, nil
}

// Domain queries the publisher for the current domain assigned to a repo.
// Transport and server errors are returned as-is; callers decide whether a
// failed query aborts or merely consumes a tick.
func (c *Client) Domain(ctx context.Context, repoID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publisherURL+"/deploy/"+repoID+"/domain", nil)
	if err != nil {
		return "", err
	}
	c.authorize(req, c.publisherTok)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("publisher status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		drain(resp.Body)
		return "", fmt.Errorf("publisher status: unexpected response %s", resp.Status)
	}
	var body struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("publisher status: decode response: %w", err)
	}
	return strings.TrimSpace(body.Domain), nil
}

// Repair asks the studio to regenerate the failing site source.
func (c *Client) Repair(ctx context.Context, source json.RawMessage, buildErr string) (json.RawMessage, error) {
	payload := map[string]any{
		"source": source,
		"error":  buildErr,
	}
	var body struct {
		Source json.RawMessage `json:"source"`
	}
	if err := c.postJSON(ctx, c.studioURL+"/repair", c.studioTok, payload, &body); err != nil {
		return nil, fmt.Errorf("studio repair: %w", err)
	}
	if len(body.Source) == 0 {
		return nil, fmt.Errorf("studio repair: empty source in response")
	}
	return body.Source, nil
}

func (c *Client) postJSON(ctx context.Context, url, token string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		drain(resp.Body)
		return fmt.Errorf("unexpected response %s", resp.Status)
	}
	if out == nil {
		drain(resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
