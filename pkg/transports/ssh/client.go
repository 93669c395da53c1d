package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a connection to one host. The SFTP session is opened lazily and
// shared by all file operations.
type Client struct {
	config *Config

	mu          sync.RWMutex
	conn        *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
}

// NewClient creates a client for a validated config.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Connect establishes the SSH connection. Calling it on a connected client
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialed struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialed, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialed{client, err}
	}()

	select {
	case <-ctx.Done():
		// Close the connection if the dial completes after cancellation.
		go func() {
			if d := <-done; d.client != nil {
				_ = d.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case d := <-done:
		if d.err != nil {
			return &TransportError{Op: "connect", Err: d.err, IsTemporary: true}
		}
		c.conn = d.client
		c.connectedAt = time.Now()
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Close closes the SFTP session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.conn, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("not connected")}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = client
	return client, nil
}
