package ipc

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client is a JSON-RPC client for the daemon control socket.
type Client struct {
	rpcClient *rpc.Client
}

// Dial connects to the daemon socket at the given path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon socket: %w", err)
	}
	return &Client{rpcClient: rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rpcClient.Close()
}

// Start asks the daemon to start its components.
func (c *Client) Start() (*StartResponse, error) {
	resp := &StartResponse{}
	if err := c.rpcClient.Call("Conductor.Start", StartRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stop asks the daemon to stop its components.
func (c *Client) Stop() (*StopResponse, error) {
	resp := &StopResponse{}
	if err := c.rpcClient.Call("Conductor.Stop", StopRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status reports daemon health and session statistics.
func (c *Client) Status() (*StatusResponse, error) {
	resp := &StatusResponse{}
	if err := c.rpcClient.Call("Conductor.Status", StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SessionList returns session summaries, optionally filtered by status.
func (c *Client) SessionList(statuses []string) (*SessionListResponse, error) {
	resp := &SessionListResponse{}
	req := SessionListRequest{Statuses: statuses}
	if err := c.rpcClient.Call("Conductor.SessionList", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SessionShow returns the full summary for one session.
func (c *Client) SessionShow(sessionID string) (*SessionShowResponse, error) {
	resp := &SessionShowResponse{}
	req := SessionShowRequest{SessionID: sessionID}
	if err := c.rpcClient.Call("Conductor.SessionShow", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SignalCaptureStarted reports that a camera operator started recording.
func (c *Client) SignalCaptureStarted(at time.Time, label string) (*SignalCaptureStartedResponse, error) {
	resp := &SignalCaptureStartedResponse{}
	req := SignalCaptureStartedRequest{At: at, Label: label}
	if err := c.rpcClient.Call("Conductor.SignalCaptureStarted", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SignalCaptureStopped reports that recording stopped.
func (c *Client) SignalCaptureStopped(at time.Time, file string) (*SignalCaptureStoppedResponse, error) {
	resp := &SignalCaptureStoppedResponse{}
	req := SignalCaptureStoppedRequest{At: at, File: file}
	if err := c.rpcClient.Call("Conductor.SignalCaptureStopped", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Abandon marks a session abandoned so workers skip it.
func (c *Client) Abandon(sessionID, reason string) (*AbandonResponse, error) {
	resp := &AbandonResponse{}
	req := AbandonRequest{SessionID: sessionID, Reason: reason}
	if err := c.rpcClient.Call("Conductor.Abandon", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Retry reschedules a failed session.
func (c *Client) Retry(sessionID string) (*RetryResponse, error) {
	resp := &RetryResponse{}
	req := RetryRequest{SessionID: sessionID}
	if err := c.rpcClient.Call("Conductor.Retry", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// TestNotification sends a test push through the configured notifier.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	resp := &TestNotificationResponse{}
	if err := c.rpcClient.Call("Conductor.TestNotification", TestNotificationRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Preflight runs environment checks and returns their results.
func (c *Client) Preflight() (*PreflightResponse, error) {
	resp := &PreflightResponse{}
	if err := c.rpcClient.Call("Conductor.Preflight", PreflightRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LogTail reads daemon log lines starting at the given offset.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	resp := &LogTailResponse{}
	if err := c.rpcClient.Call("Conductor.LogTail", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
