// Package transport sends one request and receives one reply per TCP
// connection. Connections are one-shot: dial, write a line, read a line,
// close. There is no pooling; timeouts are the only liveness mechanism.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client performs one-shot request/response exchanges with peers.
type Client struct {
	logger   *zap.Logger
	attempts int
	backoff  time.Duration
}

// NewClient returns a Client whose retrying send makes at most attempts
// tries, sleeping backoff between them.
func NewClient(logger *zap.Logger, attempts int, backoff time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{logger: logger, attempts: attempts, backoff: backoff}
}

// SendAndRecvNoRetry makes a single attempt to exchange msg for a reply
// with the peer at addr, bounded in total by timeout.
func (c *Client) SendAndRecvNoRetry(msg, addr string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline %s: %w", addr, err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", msg); err != nil {
		return "", fmt.Errorf("send to %s: %w", addr, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("recv from %s: %w", addr, err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// SendAndRecv exchanges msg for a reply, retrying transient failures with
// backoff until the attempt budget is spent.
func (c *Client) SendAndRecv(msg, addr string, timeout time.Duration) (string, error) {
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			time.Sleep(c.backoff)
		}
		reply, err := c.SendAndRecvNoRetry(msg, addr, timeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		c.logger.Debug("retryable send failed",
			zap.String("peer", addr),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}
	return "", fmt.Errorf("no reply from %s after %d attempts: %w", addr, c.attempts, lastErr)
}
