// Package haproxy talks to the upstream proxy's runtime API over its unix
// socket to mirror circuit status into stick tables. All calls are
// fire-and-forget: errors are logged here and never fail a request.
package haproxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// CircuitStatus is the gpc0 value the proxy keys routing decisions on.
type CircuitStatus uint8

const (
	// StatusNormal is the default stick-table entry.
	StatusNormal CircuitStatus = 0
	// StatusVip bypasses proxy-level rate limits.
	StatusVip CircuitStatus = 1
	// StatusBanned is denied at the proxy before reaching the gateway.
	StatusBanned CircuitStatus = 2
)

// Client is a runtime-API client bound to one socket and stick table.
type Client struct {
	socketPath string
	stickTable string
	logger     *slog.Logger
}

// NewClient creates a runtime-API client. The socket may not exist yet;
// availability is checked per call.
func NewClient(socketPath, stickTable string, logger *slog.Logger) *Client {
	return &Client{socketPath: socketPath, stickTable: stickTable, logger: logger}
}

// IsAvailable reports whether the runtime socket exists.
func (c *Client) IsAvailable() bool {
	_, err := os.Stat(c.socketPath)
	return err == nil
}

// SetCircuitStatus writes the circuit's status into the stick table. A
// missing socket is a silent no-op; command errors are logged and swallowed.
func (c *Client) SetCircuitStatus(ctx context.Context, circuitID string, status CircuitStatus) {
	if !c.IsAvailable() {
		c.logger.Debug("haproxy socket not available, skipping stick table update")
		return
	}

	cmd := fmt.Sprintf("set table %s key %s data.gpc0 %d", c.stickTable, circuitID, status)
	resp, err := c.execute(ctx, cmd)
	if err != nil {
		c.logger.Warn("haproxy stick table update failed", "circuit_id", circuitID, "error", err)
		return
	}
	if resp != "" && !strings.HasPrefix(resp, "Entry") {
		c.logger.Warn("unexpected haproxy response", "response", resp)
	}
}

// execute sends one command and reads the full response.
func (c *Client) execute(ctx context.Context, command string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", fmt.Errorf("connecting to haproxy socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("sending haproxy command: %w", err)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return strings.TrimSpace(sb.String()), nil
}
