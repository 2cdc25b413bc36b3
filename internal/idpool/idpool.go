// Package idpool implements the identifier source from spec.md §4.1: a
// locally cached, FIFO batch of server-minted document ids, refilled
// transparently from GET /_uuids?count=100 when exhausted.
package idpool

import (
	"context"
	"log"
)

const batchSize = 100

// Fetcher is the subset of dbclient.Client this package depends on.
type Fetcher interface {
	FetchUUIDs(ctx context.Context, n int) ([]string, error)
}

// Pool is a per-uploader-instance cache of ids; it is never a process
// global (spec.md §9).
type Pool struct {
	fetcher Fetcher
	logger  *log.Logger
	ids     []string
}

// New builds a Pool drawing from fetcher. logger defaults to
// log.Default() when nil, matching the teacher's injectable-logger
// convention.
func New(fetcher Fetcher, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{fetcher: fetcher, logger: logger}
}

// Next returns the next unused id, fetching a fresh batch of 100 from the
// server if the local cache is empty. Ids are consumed in the order the
// server supplied them and are never reused within this Pool's lifetime.
func (p *Pool) Next(ctx context.Context) (string, error) {
	if len(p.ids) == 0 {
		p.logger.Printf("[idpool] cache exhausted, fetching %d ids", batchSize)
		batch, err := p.fetcher.FetchUUIDs(ctx, batchSize)
		if err != nil {
			return "", err
		}
		p.ids = append(p.ids, batch...)
	}

	id := p.ids[0]
	p.ids = p.ids[1:]
	return id, nil
}

// Len reports how many ids are currently cached, useful for tests
// asserting the pool doesn't over-fetch.
func (p *Pool) Len() int { return len(p.ids) }
