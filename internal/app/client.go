package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAdminEndpoint = "http://127.0.0.1:2019"

// adminClient talks to a running admin API.
type adminClient struct {
	base   string
	token  string
	client *http.Client
}

// apiError is a non-2xx admin API response.
type apiError struct {
	Status int
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("admin api: status %d", e.Status)
	}
	return fmt.Sprintf("admin api: %s: %s", e.Code, e.Detail)
}

func newAdminClient(base, token string) (*adminClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultAdminEndpoint
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid admin endpoint %q", base)
	}
	return &adminClient{
		base:   base,
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode admin api response: %w", err)
	}
	return nil
}

type enqueueBody struct {
	Payloads []json.RawMessage `json:"payloads"`
	Delay    string            `json:"delay,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

func (c *adminClient) enqueue(ctx context.Context, queueName string, body enqueueBody) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

type publishResult struct {
	Queue string   `json:"queue"`
	IDs   []string `json:"ids"`
}

func (c *adminClient) publish(ctx context.Context, topic string, body enqueueBody) ([]publishResult, error) {
	var out struct {
		Results []publishResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(topic)+"/publish", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type statsBody struct {
	Total    int `json:"total"`
	Waiting  int `json:"waiting"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
}

type queueSummaryBody struct {
	Name  string     `json:"name"`
	Stats *statsBody `json:"stats,omitempty"`
	Error string     `json:"error,omitempty"`
}

func (c *adminClient) stats(ctx context.Context, queueName string) (statsBody, error) {
	var out statsBody
	err := c.do(ctx, http.MethodGet, "/queues/"+url.PathEscape(queueName)+"/stats", nil, &out)
	return out, err
}

func (c *adminClient) queues(ctx context.Context) ([]queueSummaryBody, error) {
	var out struct {
		Queues []queueSummaryBody `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &out); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

func (c *adminClient) clean(ctx context.Context, queueName string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/clean", nil, &out)
	return out.Removed, err
}

// parsePayloadArgs treats each argument as JSON when it parses and as a JSON
// string otherwise.
func parsePayloadArgs(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		b, _ := json.Marshal(a)
		out = append(out, b)
	}
	return out
}
