package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mbd888/admarket/internal/circuitbreaker"
	"github.com/mbd888/admarket/internal/retry"
)

const breakerKey = "rpc"

// Node wraps an EthClient with failure classification, retries and a
// circuit breaker shared by every source and wallet built on it.
type Node struct {
	client        EthClient
	breaker       *circuitbreaker.Breaker
	confirmations uint64
	attempts      int
	backoff       time.Duration
	threshold     int
	cooldown      time.Duration
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithClient sets a custom client (useful for testing).
func WithClient(c EthClient) NodeOption {
	return func(n *Node) { n.client = c }
}

// WithRetry overrides the per-call retry policy.
func WithRetry(attempts int, backoff time.Duration) NodeOption {
	return func(n *Node) {
		n.attempts = attempts
		n.backoff = backoff
	}
}

// WithBreakerPolicy overrides the breaker threshold and cooldown.
func WithBreakerPolicy(threshold int, cooldown time.Duration) NodeOption {
	return func(n *Node) {
		n.threshold = threshold
		n.cooldown = cooldown
	}
}

// Dial connects to rpcURL. confirmations is the finality depth: blocks
// newer than head-confirmations are never reported.
func Dial(rpcURL string, confirmations uint64, opts ...NodeOption) (*Node, error) {
	n := &Node{
		confirmations: confirmations,
		attempts:      3,
		backoff:       250 * time.Millisecond,
		threshold:     5,
		cooldown:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.breaker = circuitbreaker.New(n.threshold, n.cooldown,
		circuitbreaker.WithFailureFilter(func(err error) bool { return !isNodeAnswer(err) }))
	if n.client == nil {
		c, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		n.client = c
	}
	return n, nil
}

// Close releases the underlying connection.
func (n *Node) Close() {
	if n.client != nil {
		n.client.Close()
	}
}

// Client exposes the wrapped client.
func (n *Node) Client() EthClient { return n.client }

// call runs fn with retries. Transport failures count against the breaker
// and are reported as ErrUnavailable. Answers from the node itself
// (not found, JSON-RPC errors) are returned unchanged and not retried.
func (n *Node) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, n.attempts, n.backoff, func() error {
		err := n.breaker.Do(breakerKey, func() error { return fn(ctx) })
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		case isNodeAnswer(err):
			return retry.Permanent(err)
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	})
}

func isNodeAnswer(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// SafeHead returns the newest block considered final.
func (n *Node) SafeHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := n.call(ctx, func(ctx context.Context) error {
		var err error
		head, err = n.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if head < n.confirmations {
		return 0, nil
	}
	return head - n.confirmations, nil
}

// chainID is fetched lazily by wallets and sources that sign or recover.
func (n *Node) chainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := n.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = n.client.ChainID(ctx)
		return err
	})
	return id, err
}
