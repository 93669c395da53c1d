package ssh

import (
	"context"
	"errors"
	"sync"
)

// Pool keeps one connected Client per Config.Key.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns a connected client for cfg, connecting on first use.
func (p *Pool) Get(ctx context.Context, cfg *Config) (*Client, error) {
	key := cfg.Key()

	p.mu.Lock()
	client, ok := p.clients[key]
	if !ok {
		var err error
		if client, err = NewClient(cfg); err != nil {
			p.mu.Unlock()
			return nil, &TransportError{Op: "connect", Err: err}
		}
		p.clients[key] = client
	}
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Len returns the number of clients in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every client and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
