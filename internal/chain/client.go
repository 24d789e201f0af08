// Package chain reads contract state the gateway needs: oracle values,
// contract signatures, allowances, price curves and receipts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// eip1271MagicValue is isValidSignature's success return.
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// Backend is the subset of ethclient.Client used for reads.
type Backend interface {
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client performs contract reads against one chain.
type Client struct {
	backend Backend
	chainID int64

	erc20      abi.ABI
	oracle     abi.ABI
	eip1271    abi.ABI
	priceCurve abi.ABI

	log *slog.Logger
}

// Dial connects to rpcURL.
func Dial(rpcURL string, chainID int64) (*Client, *ethclient.Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewClient(eth, chainID), eth, nil
}

func NewClient(backend Backend, chainID int64) *Client {
	return &Client{
		backend:    backend,
		chainID:    chainID,
		erc20:      GetERC20ABI(),
		oracle:     GetUint256OracleABI(),
		eip1271:    GetEIP1271ABI(),
		priceCurve: GetPriceCurveABI(),
		log:        slog.Default().With("component", "chain"),
	}
}

func (c *Client) ChainID() int64 {
	return c.chainID
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// BlockTime returns the timestamp of block number.
func (c *Client) BlockTime(ctx context.Context, number *big.Int) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header %s: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Receipt returns the receipt of txHash, or nil while it is not mined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
}

// Uint256 reads getUint256(params) from a uint256 oracle.
func (c *Client) Uint256(ctx context.Context, oracle common.Address, params []byte) (*big.Int, error) {
	data, err := c.oracle.Pack("getUint256", params)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, oracle, data)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", oracle.Hex(), err)
	}
	var value *big.Int
	if err := c.oracle.UnpackIntoInterface(&value, "getUint256", result); err != nil {
		return nil, fmt.Errorf("oracle %s: %w", oracle.Hex(), err)
	}
	return value, nil
}

// Output reads the minimum output of a price curve for input.
func (c *Client) Output(ctx context.Context, curve common.Address, totalInput, filledInput, input *big.Int, params []byte) (*big.Int, error) {
	data, err := c.priceCurve.Pack("getOutput", totalInput, filledInput, input, params)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, curve, data)
	if err != nil {
		return nil, fmt.Errorf("price curve %s: %w", curve.Hex(), err)
	}
	var output *big.Int
	if err := c.priceCurve.UnpackIntoInterface(&output, "getOutput", result); err != nil {
		return nil, fmt.Errorf("price curve %s: %w", curve.Hex(), err)
	}
	return output, nil
}

// IsValidSignature asks contract whether it accepts signature over hash.
// A revert or a contract without code is a refusal; transport failures are
// returned as errors.
func (c *Client) IsValidSignature(ctx context.Context, contract common.Address, hash common.Hash, signature []byte) (bool, error) {
	data, err := c.eip1271.Pack("isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}
	result, err := c.call(ctx, contract, data)
	if err != nil {
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			c.log.Debug("isValidSignature reverted", "contract", contract.Hex(), "error", err)
			return false, nil
		}
		return false, fmt.Errorf("isValidSignature %s: %w", contract.Hex(), err)
	}
	if len(result) == 0 {
		return false, nil
	}
	out, err := c.eip1271.Unpack("isValidSignature", result)
	if err != nil || len(out) != 1 {
		return false, nil
	}
	magic, ok := out[0].([4]byte)
	return ok && magic == eip1271MagicValue, nil
}

// Allowance returns token.allowance(owner, spender).
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	var allowance *big.Int
	if err := c.erc20.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token.Hex(), err)
	}
	return allowance, nil
}
