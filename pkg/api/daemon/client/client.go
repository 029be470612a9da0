// The transport plumbing follows https://github.com/rootless-containers/rootlesskit/blob/master/pkg/api/client/client.go
// The code is licensed under Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/ihub-2020/udp2rawd/pkg/api"
	"github.com/ihub-2020/udp2rawd/pkg/config"
)

type Client interface {
	HTTPClient() *http.Client
	TunnelManager() *TunnelManager
}

// New creates a client.
// socketPath is a path to the UNIX socket, without unix:// prefix.
func New(socketPath string) (Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, err
	}
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return NewWithHTTPClient(hc), nil
}

func NewWithHTTPClient(hc *http.Client) Client {
	return &client{
		Client:    hc,
		version:   "v1",
		dummyHost: "udp2rawd",
	}
}

type client struct {
	*http.Client
	// version is always "v1"
	version   string
	dummyHost string
}

func (c *client) HTTPClient() *http.Client {
	return c.Client
}

func (c *client) TunnelManager() *TunnelManager {
	return &TunnelManager{
		client: c,
	}
}

func readAtMost(r io.Reader, maxBytes int) ([]byte, error) {
	lr := &io.LimitedReader{
		R: r,
		N: int64(maxBytes),
	}
	b, err := io.ReadAll(lr)
	if err != nil {
		return b, err
	}
	if lr.N == 0 {
		return b, fmt.Errorf("expected at most %d bytes, got more", maxBytes)
	}
	return b, nil
}

// HTTPStatusErrorBodyMaxLength specifies the maximum length of HTTPStatusError.Body
const HTTPStatusErrorBodyMaxLength = 64 * 1024

// HTTPStatusError is created from non-2XX HTTP response
type HTTPStatusError struct {
	// StatusCode is non-2XX status code
	StatusCode int
	// Body is at most HTTPStatusErrorBodyMaxLength
	Body string
}

// Error implements error.
// If e.Body is a marshalled string of api.ErrorJSON, Error returns ErrorJSON.Message .
// Otherwise Error returns a human-readable string that contains e.StatusCode and e.Body.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" && len(e.Body) < HTTPStatusErrorBodyMaxLength {
		var ej api.ErrorJSON
		if json.Unmarshal([]byte(e.Body), &ej) == nil {
			return ej.Message
		}
	}
	return fmt.Sprintf("unexpected HTTP status %s, body=%q", http.StatusText(e.StatusCode), e.Body)
}

func successful(resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.StatusCode/100 != 2 {
		b, _ := readAtMost(resp.Body, HTTPStatusErrorBodyMaxLength)
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(b),
		}
	}
	return nil
}

type TunnelManager struct {
	*client
}

func (tm *TunnelManager) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	u := fmt.Sprintf("http://%s/%s%s", tm.client.dummyHost, tm.client.version, path)
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(ctx)
	resp, err := tm.client.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := successful(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (tm *TunnelManager) GetConfig(ctx context.Context) (*config.Document, error) {
	var doc config.Document
	if err := tm.do(ctx, "GET", "/config", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (tm *TunnelManager) ApplyConfig(ctx context.Context, doc *config.Document, apply bool) (*api.ApplyResult, error) {
	m, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	path := "/config"
	if !apply {
		path += "?apply=false"
	}
	var res api.ApplyResult
	if err := tm.do(ctx, "POST", path, bytes.NewReader(m), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (tm *TunnelManager) Status(ctx context.Context) (*api.Status, error) {
	var st api.Status
	if err := tm.do(ctx, "GET", "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (tm *TunnelManager) Diagnostics(ctx context.Context) (*api.Diagnostics, error) {
	var diag api.Diagnostics
	if err := tm.do(ctx, "GET", "/diagnostics", nil, &diag); err != nil {
		return nil, err
	}
	return &diag, nil
}

func (tm *TunnelManager) Logs(ctx context.Context, lines int) (*api.Logs, error) {
	path := "/logs"
	if lines > 0 {
		path = fmt.Sprintf("/logs?lines=%d", lines)
	}
	var logs api.Logs
	if err := tm.do(ctx, "GET", path, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

func (tm *TunnelManager) InstanceLogs(ctx context.Context, id string, lines int) ([]string, error) {
	path := fmt.Sprintf("/instances/%s/logs", id)
	if lines > 0 {
		path = fmt.Sprintf("%s?lines=%d", path, lines)
	}
	var logs []string
	if err := tm.do(ctx, "GET", path, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (tm *TunnelManager) StartInstance(ctx context.Context, id string) error {
	return tm.do(ctx, "POST", fmt.Sprintf("/instances/%s/start", id), nil, nil)
}

func (tm *TunnelManager) StopInstance(ctx context.Context, id string) error {
	return tm.do(ctx, "POST", fmt.Sprintf("/instances/%s/stop", id), nil, nil)
}
