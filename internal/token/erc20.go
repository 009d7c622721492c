package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/mbd888/epochstake/internal/retry"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer, transferFrom and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for connecting to a deployed token contract.
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
	Contract   string
}

// Option configures the adapter
type Option func(*ERC20)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(e *ERC20) {
		e.client = client
	}
}

// WithConfirmation overrides how long and how often receipts are polled.
func WithConfirmation(timeout, poll time.Duration) Option {
	return func(e *ERC20) {
		e.confirmTimeout = timeout
		e.pollInterval = poll
	}
}

// ERC20 signs and submits token calls with one key and waits for each to be
// mined. It implements Transferer, Puller and BalanceReader.
type ERC20 struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

var (
	_ Transferer    = (*ERC20)(nil)
	_ Puller        = (*ERC20)(nil)
	_ BalanceReader = (*ERC20)(nil)
)

// NewERC20 creates a token adapter bound to the key in cfg.
func NewERC20(cfg Config, opts ...Option) (*ERC20, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	e := &ERC20{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		abi:            parsedABI,
		confirmTimeout: DefaultConfirmationTimeout,
		pollInterval:   ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("%w: token contract %q", ErrInvalidAddress, cfg.Contract)
	}
	return nil
}

// Address returns the signing account.
func (e *ERC20) Address() common.Address {
	return e.address
}

// Contract returns the token contract address.
func (e *ERC20) Contract() common.Address {
	return e.contract
}

// BalanceOf returns the token balance of any address
func (e *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	data, err := e.abi.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(uint256.Int).SetBytes(result), nil
}

// Transfer sends amount from the signing account to to and waits for the
// transaction to be mined.
func (e *ERC20) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) error {
	return e.submit(ctx, "transfer", to, amount.ToBig())
}

// TransferFrom spends the signing account's allowance over from.
func (e *ERC20) TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return e.submit(ctx, "transferFrom", from, to, amount.ToBig())
}

func (e *ERC20) submit(ctx context.Context, method string, args ...any) error {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return &TransferError{Op: "pack", Err: err}
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &e.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A reverting call fails estimation; fall back and let the receipt tell.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return &TransferError{Op: "sign", Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return e.waitMined(ctx, signedTx.Hash())
}

// waitMined polls for the receipt until it appears or the confirmation
// timeout passes. A reverted transaction is a permanent failure.
func (e *ERC20) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	err := retry.Poll(ctx, e.pollInterval, func() error {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if receipt.Status == types.ReceiptStatusFailed {
			return retry.Permanent(&TransferError{Op: "confirm", TxHash: hash.Hex(), Err: errors.New("transaction reverted")})
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransferError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTimeout}
	}
	return &TransferError{Op: "confirm", TxHash: hash.Hex(), Err: err}
}

// Close closes the client connection
func (e *ERC20) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
