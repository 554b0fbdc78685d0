package s3remote

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool hands out *s3.Client values from a fixed-size channel,
// mirroring the teacher's storage/s3 ConnectionPool. The S3 SDK client is
// safe for concurrent use, so pooling here is about bounding the number of
// in-flight requests under the configured PoolSize, not exclusive access.
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	closed      bool

	stats PoolStats
}

// PoolStats tracks pool usage, trimmed to the counters s3remote actually
// reports.
type PoolStats struct {
	Hits    int64
	Misses  int64
	Created int64
	MaxSize int
}

// NewConnectionPool pre-fills a pool of maxSize clients built by factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("s3remote: connection factory cannot be nil")
	}

	p := &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}
	for i := 0; i < maxSize; i++ {
		c, err := factory()
		if err != nil {
			return nil, fmt.Errorf("s3remote: create pooled client: %w", err)
		}
		p.connections <- c
		p.stats.Created++
	}
	return p, nil
}

// Get takes a client from the pool, blocking until one is free. Always
// paired with a Put.
func (p *ConnectionPool) Get() *s3.Client {
	c := <-p.connections
	p.mu.Lock()
	p.stats.Hits++
	p.mu.Unlock()
	return c
}

// Put returns a client to the pool.
func (p *ConnectionPool) Put(c *s3.Client) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.connections <- c:
	default:
		// Pool is already full (shouldn't happen absent a Get/Put mismatch).
	}
}

// Stats returns a snapshot of pool usage counters.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close drains the pool. Individual *s3.Client values have no Close
// method to call.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.connections)
	return nil
}
