package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
)

var (
	testChainID  = big.NewInt(1337)
	platformAddr = "0x1111111111111111111111111111111111111111"
	tokenAddr    = "0x2222222222222222222222222222222222222222"
)

type rpcError struct{ msg string }

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return -32000 }

// fakeClient is an in-memory EthClient.
type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]*types.Block
	logs     []types.Log
	txs      map[common.Hash]*types.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	sendErr  error
	headErr  error
	nonce    uint64
	balance  *big.Int
	calls    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		blocks:   make(map[uint64]*types.Block),
		txs:      make(map[common.Hash]*types.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*types.Receipt),
		balance:  big.NewInt(0),
	}
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[number.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: number}), nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[hash], nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeClient) Close() {}

func newTestNode(t *testing.T, fc *fakeClient, confirmations uint64) *Node {
	t.Helper()
	n, err := Dial("", confirmations, WithClient(fc), WithRetry(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int, data []byte) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: value, Gas: 21000, GasPrice: big.NewInt(1), Data: data})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestNativeSource_FetchFinalizedTransfers(t *testing.T) {
	fc := newFakeClient()
	fc.head = 20
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)

	deposit := signedTx(t, key, 0, common.HexToAddress(platformAddr), big.NewInt(1_500_000_000_000_000_000), []byte("k3x9m2p7qa"))
	elsewhere := signedTx(t, key, 1, common.HexToAddress(tokenAddr), big.NewInt(5), nil)
	tooNew := signedTx(t, key, 2, common.HexToAddress(platformAddr), big.NewInt(7), nil)

	fc.blocks[16] = types.NewBlockWithHeader(&types.Header{Number: big.NewInt(16)}).
		WithBody(types.Body{Transactions: []*types.Transaction{deposit, elsewhere}})
	fc.blocks[19] = types.NewBlockWithHeader(&types.Header{Number: big.NewInt(19)}).
		WithBody(types.Body{Transactions: []*types.Transaction{tooNew}})

	src, err := NewNativeSource(newTestNode(t, fc, 2), platformAddr)
	if err != nil {
		t.Fatal(err)
	}
	transfers, next, err := src.Fetch(context.Background(), 15)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if next != 19 {
		t.Errorf("next cursor = %d, want 19", next)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	got := transfers[0]
	if got.Memo != "k3x9m2p7qa" {
		t.Errorf("memo = %q", got.Memo)
	}
	if got.From != NormalizeAddress(sender.Hex()) {
		t.Errorf("from = %s, want %s", got.From, sender.Hex())
	}
	if !got.Amount.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("amount = %s, want 1.5", got.Amount)
	}
	if got.Ref() != deposit.Hash().Hex() {
		t.Errorf("ref = %s", got.Ref())
	}
}

func TestNativeSource_NothingFinal(t *testing.T) {
	fc := newFakeClient()
	fc.head = 10
	src, _ := NewNativeSource(newTestNode(t, fc, 5), platformAddr)

	transfers, next, err := src.Fetch(context.Background(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 0 || next != 6 {
		t.Errorf("got %d transfers, next %d; want 0, 6", len(transfers), next)
	}
}

func TestNativeSource_FetchErrorKeepsCursor(t *testing.T) {
	fc := newFakeClient()
	fc.headErr = errors.New("connection refused")
	src, _ := NewNativeSource(newTestNode(t, fc, 0), platformAddr)

	_, next, err := src.Fetch(context.Background(), 42)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if next != 42 {
		t.Errorf("cursor moved to %d", next)
	}
}

func TestTokenSource_ReadsLogsAndMemo(t *testing.T) {
	fc := newFakeClient()
	fc.head = 100
	key, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)

	units := big.NewInt(25_500_000)
	call := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, common.LeftPadBytes(common.HexToAddress(platformAddr).Bytes(), 32)...)
	call = append(call, common.LeftPadBytes(units.Bytes(), 32)...)
	call = append(call, []byte("memo123abc")...)
	tx := signedTx(t, key, 0, common.HexToAddress(tokenAddr), big.NewInt(0), call)
	fc.txs[tx.Hash()] = tx

	fc.logs = []types.Log{{
		Address:     common.HexToAddress(tokenAddr),
		Topics:      []common.Hash{TransferEventSig, common.BytesToHash(from.Bytes()), common.BytesToHash(common.HexToAddress(platformAddr).Bytes())},
		Data:        common.LeftPadBytes(units.Bytes(), 32),
		BlockNumber: 90,
		TxHash:      tx.Hash(),
		Index:       3,
	}}

	src, err := NewTokenSource(newTestNode(t, fc, 0), tokenAddr, platformAddr)
	if err != nil {
		t.Fatal(err)
	}
	transfers, next, err := src.Fetch(context.Background(), 80)
	if err != nil {
		t.Fatal(err)
	}
	if next != 101 {
		t.Errorf("next = %d, want 101", next)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d", len(transfers))
	}
	got := transfers[0]
	if got.Ref() != tx.Hash().Hex()+":3" {
		t.Errorf("ref = %s", got.Ref())
	}
	if got.Memo != "memo123abc" {
		t.Errorf("memo = %q", got.Memo)
	}
	if !got.Amount.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("amount = %s", got.Amount)
	}
	if got.From != NormalizeAddress(from.Hex()) {
		t.Errorf("from = %s", got.From)
	}
}

func newTestWallet(t *testing.T, fc *fakeClient, confirmations uint64) *Wallet {
	t.Helper()
	key, _ := crypto.GenerateKey()
	w, err := NewWallet(newTestNode(t, fc, confirmations), WalletConfig{
		PrivateKey:    common.Bytes2Hex(crypto.FromECDSA(key)),
		TokenContract: tokenAddr,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWallet_SendAssignsSequentialNonces(t *testing.T) {
	fc := newFakeClient()
	fc.nonce = 7
	w := newTestWallet(t, fc, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := w.Send(ctx, Payout{Currency: money.Coin, To: platformAddr, Amount: decimal.RequireFromString("0.5"), Memo: "hi"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if len(fc.sent) != 2 || fc.sent[0].Nonce() != 7 || fc.sent[1].Nonce() != 8 {
		t.Fatalf("unexpected nonces: %+v", fc.sent)
	}
	if string(fc.sent[0].Data()) != "hi" {
		t.Errorf("memo not attached: %q", fc.sent[0].Data())
	}
}

func TestWallet_SendTokenPacksTransfer(t *testing.T) {
	fc := newFakeClient()
	w := newTestWallet(t, fc, 0)

	if _, err := w.Send(context.Background(), Payout{Currency: money.Stable, To: platformAddr, Amount: decimal.RequireFromString("12.34")}); err != nil {
		t.Fatal(err)
	}
	tx := fc.sent[0]
	if *tx.To() != common.HexToAddress(tokenAddr) {
		t.Errorf("token transfer sent to %s", tx.To().Hex())
	}
	if len(tx.Data()) != erc20TransferCallLen {
		t.Errorf("calldata length = %d", len(tx.Data()))
	}
	if new(big.Int).SetBytes(tx.Data()[36:68]).Int64() != 12_340_000 {
		t.Errorf("unexpected amount in calldata")
	}
}

func TestWallet_SendErrorsClassified(t *testing.T) {
	ctx := context.Background()
	payout := Payout{Currency: money.Coin, To: platformAddr, Amount: decimal.RequireFromString("1")}

	t.Run("transport failure keeps tx hash", func(t *testing.T) {
		fc := newFakeClient()
		fc.sendErr = errors.New("i/o timeout")
		w := newTestWallet(t, fc, 0)

		_, err := w.Send(ctx, payout)
		var se *SendError
		if !errors.As(err, &se) || se.TxHash == "" {
			t.Fatalf("expected SendError with hash, got %v", err)
		}
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("node rejection", func(t *testing.T) {
		fc := newFakeClient()
		fc.sendErr = rpcError{"insufficient funds for gas * price + value"}
		w := newTestWallet(t, fc, 0)

		_, err := w.Send(ctx, payout)
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		var se *SendError
		if errors.As(err, &se) && se.TxHash != "" {
			t.Errorf("rejected send should not carry a hash")
		}
	})

	t.Run("already known is success", func(t *testing.T) {
		fc := newFakeClient()
		fc.sendErr = rpcError{"already known"}
		w := newTestWallet(t, fc, 0)

		hash, err := w.Send(ctx, payout)
		if err != nil || hash == "" {
			t.Fatalf("got %q, %v", hash, err)
		}
	})

	t.Run("invalid destination", func(t *testing.T) {
		w := newTestWallet(t, newFakeClient(), 0)
		_, err := w.Send(ctx, Payout{Currency: money.Coin, To: "nope", Amount: decimal.RequireFromString("1")})
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress, got %v", err)
		}
	})
}

func TestWallet_Status(t *testing.T) {
	fc := newFakeClient()
	fc.head = 50
	w := newTestWallet(t, fc, 5)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	mk := func(nonce uint64) *types.Transaction {
		return signedTx(t, key, nonce, common.HexToAddress(platformAddr), big.NewInt(1), nil)
	}

	confirmed, failed, young, mempool := mk(0), mk(1), mk(2), mk(3)
	fc.receipts[confirmed.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(40)}
	fc.receipts[failed.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(40)}
	fc.receipts[young.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(49)}
	fc.txs[mempool.Hash()] = mempool
	fc.pending[mempool.Hash()] = true

	tests := []struct {
		hash string
		want TxStatus
	}{
		{confirmed.Hash().Hex(), StatusConfirmed},
		{failed.Hash().Hex(), StatusFailed},
		{young.Hash().Hex(), StatusPending},
		{mempool.Hash().Hex(), StatusPending},
		{mk(4).Hash().Hex(), StatusNotFound},
	}
	for _, tt := range tests {
		got, err := w.Status(ctx, tt.hash)
		if err != nil {
			t.Fatalf("Status(%s): %v", tt.hash, err)
		}
		if got != tt.want {
			t.Errorf("Status(%s) = %s, want %s", tt.hash, got, tt.want)
		}
	}
}

func TestWallet_Balance(t *testing.T) {
	fc := newFakeClient()
	fc.balance = big.NewInt(3_000_000)
	w := newTestWallet(t, fc, 0)

	bal, err := w.Balance(context.Background(), money.Stable)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(decimal.NewFromInt(3)) {
		t.Errorf("stable balance = %s, want 3", bal)
	}
	if _, err := w.Balance(context.Background(), money.Points); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestNode_BreakerOpensAfterFailures(t *testing.T) {
	fc := newFakeClient()
	fc.headErr = errors.New("connection reset")
	node, _ := Dial("", 0, WithClient(fc), WithRetry(1, 0), WithBreakerPolicy(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := node.SafeHead(ctx); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	before := fc.calls
	if _, err := node.SafeHead(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open circuit, got %v", err)
	}
	if fc.calls != before {
		t.Errorf("open circuit still called the node")
	}
}

func TestDecodeMemo(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, ""},
		{[]byte("  abc  "), "abc"},
		{[]byte{0xff, 0xfe}, ""},
		{[]byte("a\x00b"), ""},
	}
	for _, tt := range tests {
		if got := decodeMemo(tt.in); got != tt.want {
			t.Errorf("decodeMemo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
