package token

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type fakeClient struct {
	mu            sync.Mutex
	sent          []*types.Transaction
	receiptStatus uint64
	receiptMissed int // number of polls that report "not found" first
	balance       *big.Int
	sendErr       error
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("execution reverted")
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptMissed > 0 {
		f.receiptMissed--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeClient) Close() {}

func newTestERC20(t *testing.T, client *fakeClient) *ERC20 {
	t.Helper()
	e, err := NewERC20(Config{
		RPCURL:     "http://127.0.0.1:8545",
		PrivateKey: testKey,
		ChainID:    84532,
		Contract:   testContract,
	}, WithClient(client), WithConfirmation(time.Second, time.Millisecond))
	require.NoError(t, err)
	return e
}

func TestERC20_Transfer(t *testing.T) {
	client := &fakeClient{receiptStatus: types.ReceiptStatusSuccessful, receiptMissed: 2}
	e := newTestERC20(t, client)

	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	require.NoError(t, e.Transfer(context.Background(), to, uint256.NewInt(25_000)))

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, e.Contract(), *tx.To())
	assert.Equal(t, DefaultGasLimit, tx.Gas())

	method, err := e.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, to, args[0])
	assert.Equal(t, big.NewInt(25_000), args[1])
}

func TestERC20_TransferFrom(t *testing.T) {
	client := &fakeClient{receiptStatus: types.ReceiptStatusSuccessful}
	e := newTestERC20(t, client)

	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	require.NoError(t, e.TransferFrom(context.Background(), from, to, uint256.NewInt(7)))

	method, err := e.abi.MethodById(client.sent[0].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transferFrom", method.Name)
}

func TestERC20_RevertedTransaction(t *testing.T) {
	client := &fakeClient{receiptStatus: types.ReceiptStatusFailed}
	e := newTestERC20(t, client)

	err := e.Transfer(context.Background(), common.HexToAddress("0x3333333333333333333333333333333333333333"), uint256.NewInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransferFailed))

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "confirm", te.Op)
	assert.NotEmpty(t, te.TxHash)
}

func TestERC20_SendFailure(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("nonce too low")}
	e := newTestERC20(t, client)

	err := e.Transfer(context.Background(), common.HexToAddress("0x3333333333333333333333333333333333333333"), uint256.NewInt(1))
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "send", te.Op)
}

func TestERC20_BalanceOf(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(90_000_000)}
	e := newTestERC20(t, client)

	bal, err := e.BalanceOf(context.Background(), e.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(90_000_000), bal.Uint64())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: testKey, ChainID: 84532, Contract: testContract},
			wantErr: false,
		},
		{
			name:    "valid config with 0x prefix",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: "0x" + testKey, ChainID: 84532, Contract: testContract},
			wantErr: false,
		},
		{
			name:    "missing RPC URL",
			cfg:     Config{PrivateKey: testKey, ChainID: 84532, Contract: testContract},
			wantErr: true,
		},
		{
			name:    "invalid private key length",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: "tooshort", ChainID: 84532, Contract: testContract},
			wantErr: true,
		},
		{
			name:    "missing chain ID",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: testKey, Contract: testContract},
			wantErr: true,
		},
		{
			name:    "bad contract address",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: testKey, ChainID: 84532, Contract: "0xnope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestERC20_ConfirmationTimeout(t *testing.T) {
	client := &fakeClient{receiptStatus: types.ReceiptStatusSuccessful, receiptMissed: 1 << 30}
	e, err := NewERC20(Config{
		RPCURL:     "http://127.0.0.1:8545",
		PrivateKey: testKey,
		ChainID:    84532,
		Contract:   testContract,
	}, WithClient(client), WithConfirmation(20*time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	err = e.Transfer(context.Background(), common.HexToAddress("0x3333333333333333333333333333333333333333"), uint256.NewInt(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrTransferFailed)
}
