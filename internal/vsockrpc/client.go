// Package vsockrpc is the host-side client for the in-guest agent. The
// protocol is one JSON request per connection, line-terminated, answered by
// either a plain-text ACK or a JSON object.
package vsockrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/errdefs"
)

// Request is the envelope every message carries. Token must match the
// tenant's agentToken or the agent refuses the call.
type Request struct {
	Type    string            `json:"type"`
	Token   string            `json:"token"`
	Secrets map[string]string `json:"secrets,omitempty"`
	Id      string            `json:"id,omitempty"`
	TtlMs   int64             `json:"ttlMs,omitempty"`
	Service string            `json:"service,omitempty"`
}

// Client talks to one tenant's agent.
type Client struct {
	Cid   uint32
	Port  uint32
	Token string

	log *logrus.Entry
}

func NewClient(cid, port uint32, token string) *Client {
	return &Client{
		Cid:   cid,
		Port:  port,
		Token: token,
		log:   logrus.WithFields(logrus.Fields{"component": "vsockrpc", "cid": cid}),
	}
}

// roundTrip dials, writes one request line and reads one response line
// within the wall-clock timeout.
func (c *Client) roundTrip(req Request, timeout time.Duration) (string, error) {
	req.Token = c.Token
	conn, err := vsock.Dial(c.Cid, c.Port, nil)
	if err != nil {
		return "", fmt.Errorf("%w: cid %d port %d: %v", errdefs.ErrVsockConnect, c.Cid, c.Port, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", req.Type, err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", errdefs.ErrVsockConnect, req.Type, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("%w: read %s response: %v", errdefs.ErrAgentTimeout, req.Type, err)
	}
	return strings.TrimSpace(line), nil
}

// ack runs a call whose only success response is ACK.
func (c *Client) ack(req Request, timeout time.Duration) error {
	resp, err := c.roundTrip(req, timeout)
	if err != nil {
		return err
	}
	if resp != "ACK" {
		return fmt.Errorf("agent rejected %s: %s", req.Type, resp)
	}
	return nil
}

// WaitForAgent polls health-ping until the agent answers or the deadline
// passes. Used right after VM launch, when the guest is still booting.
func (c *Client) WaitForAgent(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := c.HealthPing(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("%w: agent on cid %d not up after %s: %v", errdefs.ErrAgentTimeout, c.Cid, timeout, lastErr)
}

func (c *Client) HealthPing() error {
	return c.ack(Request{Type: "health-ping"}, 5*time.Second)
}

func (c *Client) InjectSecrets(secrets map[string]string) error {
	return c.ack(Request{Type: "inject-secrets", Secrets: secrets}, 10*time.Second)
}

func (c *Client) LaunchOpenclaw() error {
	return c.ack(Request{Type: "launch-openclaw"}, 30*time.Second)
}

// Shutdown asks the guest to power off. The agent acks before it starts the
// shutdown, so the caller still has to wait for the VM process to exit.
func (c *Client) Shutdown() error {
	return c.ack(Request{Type: "shutdown"}, 5*time.Second)
}

// AcquireHold takes a time-bounded lease that pauses auto-suspend while an
// operator session is attached. Agents without hold support answer with an
// unknown-type error; callers treat that as a soft failure.
func (c *Client) AcquireHold(id string, ttl time.Duration) error {
	return c.ack(Request{Type: "acquire-hold", Id: id, TtlMs: ttl.Milliseconds()}, 5*time.Second)
}

func (c *Client) ReleaseHold(id string) error {
	return c.ack(Request{Type: "release-hold", Id: id}, 5*time.Second)
}

// GetActiveConnections returns the guest gateway's live connection count,
// the idle-detection signal.
func (c *Client) GetActiveConnections() (int, error) {
	resp, err := c.roundTrip(Request{Type: "get-active-connections"}, 5*time.Second)
	if err != nil {
		return 0, err
	}
	var body struct {
		ActiveConnections int `json:"activeConnections"`
	}
	if err := json.Unmarshal([]byte(resp), &body); err != nil {
		return 0, fmt.Errorf("decode connection count: %w", err)
	}
	return body.ActiveConnections, nil
}

// FetchLogs returns recent guest logs, optionally scoped to one service.
func (c *Client) FetchLogs(service string) (string, error) {
	resp, err := c.roundTrip(Request{Type: "fetch-logs", Service: service}, 30*time.Second)
	if err != nil {
		return "", err
	}
	var body struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal([]byte(resp), &body); err != nil {
		// Older agents answer with the raw text.
		return resp, nil
	}
	return body.Logs, nil
}
