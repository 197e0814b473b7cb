package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grovetools/daas/errors"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/server"
	"github.com/grovetools/daas/internal/session"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/version"
)

// baseURL is the dummy host used for unix socket requests.
const baseURL = "http://unix"

// RemoteClient implements Client over the runner's unix socket.
type RemoteClient struct {
	httpClient *http.Client
	socketPath string
	baseURL    string
}

// NewRemoteClient creates a client for the runner listening on socketPath.
func NewRemoteClient(socketPath string) *RemoteClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &RemoteClient{
		// submissions and completions can wait a full lock budget
		httpClient: &http.Client{Transport: transport, Timeout: 3 * time.Minute},
		socketPath: socketPath,
		baseURL:    baseURL,
	}
}

// newHTTPClient targets an arbitrary base URL; used against test servers.
func newHTTPClient(hc *http.Client, base string) *RemoteClient {
	return &RemoteClient{httpClient: hc, baseURL: base}
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError turns an error response back into the DaasError the runner
// produced, or a plain error for non-JSON bodies.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var daasErr errors.DaasError
	if err := json.Unmarshal(data, &daasErr); err == nil && daasErr.Code != "" {
		return &daasErr
	}
	return fmt.Errorf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func withDetailed(path string, detailed bool) string {
	if !detailed {
		return path
	}
	return path + "?detailed=true"
}

func (c *RemoteClient) Submit(ctx context.Context, req *session.Session, opts coordinator.SubmitOptions) (string, error) {
	var resp server.SubmitResponse
	_, err := c.do(ctx, http.MethodPost, "/api/sessions", server.SubmitRequest{
		Session:              *req,
		InvokedViaAutomation: opts.InvokedViaAutomation,
		InvokedViaConsole:    opts.InvokedViaConsole,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *RemoteClient) Active(ctx context.Context, detailed bool) (*session.Session, error) {
	var s session.Session
	status, err := c.do(ctx, http.MethodGet, withDetailed("/api/active", detailed), nil, &s)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &s, nil
}

func (c *RemoteClient) List(ctx context.Context, detailed bool) ([]*session.Session, error) {
	var sessions []*session.Session
	if _, err := c.do(ctx, http.MethodGet, withDetailed("/api/sessions", detailed), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *RemoteClient) Get(ctx context.Context, id string, detailed bool) (*session.Session, error) {
	var s session.Session
	if _, err := c.do(ctx, http.MethodGet, withDetailed("/api/sessions/"+url.PathEscape(id), detailed), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *RemoteClient) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *RemoteClient) Complete(ctx context.Context, force bool) (bool, error) {
	var resp server.CompleteResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/complete?force="+strconv.FormatBool(force), nil, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (c *RemoteClient) Tools(ctx context.Context) ([]tools.Info, error) {
	var infos []tools.Info
	if _, err := c.do(ctx, http.MethodGet, "/api/tools", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *RemoteClient) Status(ctx context.Context) (*runner.Status, error) {
	var status runner.Status
	if _, err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// IsRunning returns true if the runner is available and responding.
func (c *RemoteClient) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stream subscribes to runner events via Server-Sent Events. The channel is
// closed when ctx is cancelled or the connection drops.
func (c *RemoteClient) Stream(ctx context.Context) (<-chan runner.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}

	// no timeout for streaming
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan runner.Event, 10)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event runner.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close cleans up any resources used by the client.
func (c *RemoteClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var _ Client = (*RemoteClient)(nil)
