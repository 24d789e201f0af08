// Package relayer sends execution transactions for ready intents from the
// gateway's relayer account.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brinktrade/brink-api/internal/chain"
	"github.com/brinktrade/brink-api/internal/routing"
)

var ErrNoCalldata = errors.New("execution has no signed data")

// Execution is one metaDelegateCall on a signer's account.
type Execution struct {
	Account      common.Address
	To           common.Address
	Data         []byte
	Signature    []byte
	UnsignedData []byte
}

// UnsignedData encodes the segment range [from, to) of an intent together
// with the solver calls chosen at dispatch time.
func UnsignedData(intentIndex, from, to int, calls []routing.Tx) ([]byte, error) {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	addressesType, _ := abi.NewType("address[]", "", nil)
	bytesType, _ := abi.NewType("bytes[]", "", nil)
	valuesType, _ := abi.NewType("uint256[]", "", nil)

	targets := make([]common.Address, len(calls))
	data := make([][]byte, len(calls))
	values := make([]*big.Int, len(calls))
	for i, c := range calls {
		targets[i] = c.To
		data[i] = c.Data
		values[i] = c.Value.Big()
	}

	return abi.Arguments{
		{Type: uint256Type}, // intentIndex
		{Type: uint256Type}, // fromSegment
		{Type: uint256Type}, // toSegment
		{Type: addressesType},
		{Type: bytesType},
		{Type: valuesType},
	}.Pack(
		big.NewInt(int64(intentIndex)),
		big.NewInt(int64(from)),
		big.NewInt(int64(to)),
		targets,
		data,
		values,
	)
}

// Backend is the subset of ethclient.Client used to send transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxSigner signs with the relayer account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type Config struct {
	ChainID int64
	// GasLimitPercent scales the node's gas estimate.
	GasLimitPercent uint64
}

// Dispatcher signs and sends execution transactions. Sends are serialized
// so relayer nonces are assigned in order.
type Dispatcher struct {
	backend Backend
	signer  TxSigner
	chainID *big.Int
	gasPct  uint64
	mu      sync.Mutex
	log     *slog.Logger
}

func NewDispatcher(cfg Config, backend Backend, signer TxSigner) *Dispatcher {
	if cfg.GasLimitPercent == 0 {
		cfg.GasLimitPercent = 120
	}
	return &Dispatcher{
		backend: backend,
		signer:  signer,
		chainID: big.NewInt(cfg.ChainID),
		gasPct:  cfg.GasLimitPercent,
		log:     slog.Default().With("component", "relayer"),
	}
}

// Dispatch sends exec and returns the transaction hash. The transaction is
// not awaited.
func (d *Dispatcher) Dispatch(ctx context.Context, exec Execution) (common.Hash, error) {
	if len(exec.Data) == 0 {
		return common.Hash{}, ErrNoCalldata
	}
	calldata, err := chain.MetaDelegateCallCalldata(exec.To, exec.Data, exec.Signature, exec.UnsignedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack metaDelegateCall: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	from := d.signer.Address()
	nonce, err := d.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	tip, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	account := exec.Account
	gas, err := d.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &account,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      calldata,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas = gas * d.gasPct / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &account,
		Value:     big.NewInt(0),
		Data:      calldata,
	})
	signedTx, err := d.signer.SignTx(tx, d.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := d.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	d.log.Info("execution sent", "tx", signedTx.Hash(), "account", account.Hex(), "nonce", nonce, "gas", gas)
	return signedTx.Hash(), nil
}
