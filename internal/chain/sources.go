package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/admarket/internal/money"
)

// TransferEventSig is keccak256("Transfer(address,address,uint256)").
var TransferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// erc20TransferCallLen is selector + address + amount; bytes beyond it
// carry the optional memo.
const erc20TransferCallLen = 4 + 32 + 32

// DefaultMaxBlocks bounds the block range scanned by one Fetch.
const DefaultMaxBlocks = 100

// NativeSource reports coin transfers to the platform address by scanning
// block bodies. The memo is the UTF-8 transaction payload.
type NativeSource struct {
	node      *Node
	platform  common.Address
	maxBlocks uint64

	mu     sync.Mutex
	signer types.Signer
}

// NewNativeSource creates a coin deposit source.
func NewNativeSource(node *Node, platform string) (*NativeSource, error) {
	if !ValidAddress(platform) {
		return nil, ErrInvalidAddress
	}
	return &NativeSource{node: node, platform: common.HexToAddress(platform), maxBlocks: DefaultMaxBlocks}, nil
}

func (s *NativeSource) Currency() money.Currency { return money.Coin }
func (s *NativeSource) Address() string          { return s.platform.Hex() }

func (s *NativeSource) Fetch(ctx context.Context, cursor uint64) ([]Transfer, uint64, error) {
	if err := s.init(ctx); err != nil {
		return nil, cursor, err
	}
	from, to, ok, err := scanRange(ctx, s.node, cursor, s.maxBlocks)
	if err != nil || !ok {
		return nil, from, err
	}

	var out []Transfer
	for num := from; num <= to; num++ {
		var block *types.Block
		err := s.node.call(ctx, func(ctx context.Context) error {
			var err error
			block, err = s.node.client.BlockByNumber(ctx, new(big.Int).SetUint64(num))
			return err
		})
		if err != nil {
			return nil, cursor, fmt.Errorf("block %d: %w", num, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != s.platform || tx.Value().Sign() <= 0 {
				continue
			}
			sender, err := types.Sender(s.signer, tx)
			if err != nil {
				continue
			}
			out = append(out, Transfer{
				Currency: money.Coin,
				TxHash:   tx.Hash().Hex(),
				From:     NormalizeAddress(sender.Hex()),
				To:       NormalizeAddress(s.platform.Hex()),
				Amount:   money.FromUnits(money.Coin, tx.Value()),
				Memo:     decodeMemo(tx.Data()),
				Block:    num,
			})
		}
	}
	return out, to + 1, nil
}

func (s *NativeSource) init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil {
		return nil
	}
	id, err := s.node.chainID(ctx)
	if err != nil {
		return err
	}
	s.signer = types.LatestSignerForChainID(id)
	return nil
}

// TokenSource reports ERC-20 Transfer logs to the platform address. The
// memo is read from bytes appended after the standard transfer calldata.
type TokenSource struct {
	node      *Node
	token     common.Address
	platform  common.Address
	maxBlocks uint64
}

// NewTokenSource creates a stable-token deposit source.
func NewTokenSource(node *Node, token, platform string) (*TokenSource, error) {
	if !ValidAddress(token) || !ValidAddress(platform) {
		return nil, ErrInvalidAddress
	}
	return &TokenSource{
		node:      node,
		token:     common.HexToAddress(token),
		platform:  common.HexToAddress(platform),
		maxBlocks: DefaultMaxBlocks * 10,
	}, nil
}

func (s *TokenSource) Currency() money.Currency { return money.Stable }
func (s *TokenSource) Address() string          { return s.platform.Hex() }

func (s *TokenSource) Fetch(ctx context.Context, cursor uint64) ([]Transfer, uint64, error) {
	from, to, ok, err := scanRange(ctx, s.node, cursor, s.maxBlocks)
	if err != nil || !ok {
		return nil, from, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{TransferEventSig},
			nil,
			{common.BytesToHash(s.platform.Bytes())},
		},
	}
	var logs []types.Log
	err = s.node.call(ctx, func(ctx context.Context) error {
		var err error
		logs, err = s.node.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, cursor, fmt.Errorf("filter logs: %w", err)
	}

	out := make([]Transfer, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 {
			continue
		}
		memo, err := s.memo(ctx, lg.TxHash)
		if err != nil {
			return nil, cursor, err
		}
		out = append(out, Transfer{
			Currency: money.Stable,
			TxHash:   lg.TxHash.Hex(),
			LogIndex: lg.Index,
			IsLog:    true,
			From:     NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
			To:       NormalizeAddress(s.platform.Hex()),
			Amount:   money.FromUnits(money.Stable, new(big.Int).SetBytes(lg.Data)),
			Memo:     memo,
			Block:    lg.BlockNumber,
		})
	}
	return out, to + 1, nil
}

func (s *TokenSource) memo(ctx context.Context, hash common.Hash) (string, error) {
	var tx *types.Transaction
	err := s.node.call(ctx, func(ctx context.Context) error {
		var err error
		tx, _, err = s.node.client.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tx %s: %w", hash.Hex(), err)
	}
	if tx.To() == nil || *tx.To() != s.token || len(tx.Data()) <= erc20TransferCallLen {
		return "", nil
	}
	return decodeMemo(tx.Data()[erc20TransferCallLen:]), nil
}

// scanRange clamps [cursor, safeHead] to at most maxBlocks blocks. ok is
// false when there is nothing final to scan; from is then the cursor to keep.
func scanRange(ctx context.Context, node *Node, cursor, maxBlocks uint64) (from, to uint64, ok bool, err error) {
	head, err := node.SafeHead(ctx)
	if err != nil {
		return cursor, 0, false, err
	}
	if cursor == 0 {
		cursor = head
	}
	if cursor > head {
		return cursor, 0, false, nil
	}
	to = head
	if to-cursor+1 > maxBlocks {
		to = cursor + maxBlocks - 1
	}
	return cursor, to, true, nil
}
