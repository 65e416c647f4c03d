package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to a running scheduler
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for socketPath
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// SetTimeout sets the dial and round-trip timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Send delivers one command and waits for the response
func (c *Client) Send(cmdType string) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scheduler (is it running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(Command{Type: cmdType, Timestamp: time.Now()}); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Status asks for the scheduler state
func (c *Client) Status() (*Response, error) {
	return c.Send(CommandStatus)
}

// Trigger asks the scheduler to start a run now
func (c *Client) Trigger() (*Response, error) {
	return c.Send(CommandTrigger)
}
