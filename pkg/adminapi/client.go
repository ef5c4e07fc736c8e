package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a Server over HTTP. Every syncmesh CLI command besides
// run and version uses one of these against --admin-addr.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.get(ctx, "/status", &out)
	return out, err
}

func (c *Client) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := c.get(ctx, "/peers", &out)
	return out, err
}

func (c *Client) Files(ctx context.Context) (FilesResponse, error) {
	var out FilesResponse
	err := c.get(ctx, "/files", &out)
	return out, err
}

func (c *Client) Queue(ctx context.Context, path string) error {
	return c.post(ctx, "/queue", QueueRequest{Path: path}, nil)
}

func (c *Client) Get(ctx context.Context, peerID, path string) error {
	return c.post(ctx, "/get", GetRequest{PeerID: peerID, Path: path}, nil)
}

func (c *Client) SetArchive(ctx context.Context, active bool) error {
	return c.post(ctx, "/archive", ArchiveRequest{Active: active}, nil)
}

func (c *Client) Join(ctx context.Context, networkKey string) (StatusResponse, error) {
	var out StatusResponse
	err := c.post(ctx, "/join", JoinRequest{NetworkKey: networkKey}, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		body, _ := io.ReadAll(resp.Body)
		if jsonErr := json.Unmarshal(body, &e); jsonErr == nil && e.Error != "" {
			return fmt.Errorf("admin api: %s", e.Error)
		}
		return fmt.Errorf("admin api: unexpected status %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
