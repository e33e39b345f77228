package inmem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"disputeflow/dispute"
)

// Chain settles escrow contracts in memory. Settling the same contract again
// returns the original transaction hash.
type Chain struct {
	mu      sync.RWMutex
	status  string
	settled map[string]string
}

// NewChain creates an available chain client.
func NewChain() *Chain {
	return &Chain{status: "up", settled: make(map[string]string)}
}

func (c *Chain) SetStatus(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Chain) ResolveOnChain(_ context.Context, contractAddress string, decision dispute.Decision) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == "down" {
		return "", ErrUnavailable
	}
	if hash, ok := c.settled[contractAddress]; ok {
		return hash, nil
	}
	sum := sha256.Sum256([]byte(contractAddress + "|" + string(decision)))
	hash := "0x" + hex.EncodeToString(sum[:])
	c.settled[contractAddress] = hash
	return hash, nil
}
