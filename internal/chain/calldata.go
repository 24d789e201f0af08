package chain

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brinktrade/brink-api/internal/model"
)

// Uniswap V3 deployment constants used to derive pool addresses.
var (
	UniV3Factory          = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	uniV3PoolInitCodeHash = common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")
)

// ApproveCalldata encodes approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	return GetERC20ABI().Pack("approve", spender, amount)
}

// CancelCalldata encodes cancel(bitmapIndex, bits) for the cancel verifier.
func CancelCalldata(bitmapIndex uint64, bits *big.Int) ([]byte, error) {
	return GetCancelVerifierABI().Pack("cancel", new(big.Int).SetUint64(bitmapIndex), bits)
}

// MetaDelegateCallCalldata encodes the account call that executes signed data.
func MetaDelegateCallCalldata(to common.Address, data, signature, unsignedData []byte) ([]byte, error) {
	return GetAccountABI().Pack("metaDelegateCall", to, data, signature, unsignedData)
}

// DelegateCallCalldata encodes a direct delegateCall made by the account owner.
func DelegateCallCalldata(to common.Address, data []byte) ([]byte, error) {
	return GetAccountABI().Pack("delegateCall", to, data)
}

// UniV3PoolAddress derives the pool address of a token pair and fee tier.
func UniV3PoolAddress(tokenA, tokenB common.Address, fee uint32) common.Address {
	token0, token1 := tokenA, tokenB
	if bytes.Compare(token0[:], token1[:]) > 0 {
		token0, token1 = token1, token0
	}
	addressType, _ := abi.NewType("address", "", nil)
	uint24Type, _ := abi.NewType("uint24", "", nil)
	encoded, err := abi.Arguments{
		{Type: addressType},
		{Type: addressType},
		{Type: uint24Type},
	}.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		panic("failed to encode pool key: " + err.Error())
	}
	salt := crypto.Keccak256Hash(encoded)
	return crypto.CreateAddress2(UniV3Factory, salt, uniV3PoolInitCodeHash.Bytes())
}

// UniV3TWAPOracleCall builds the oracle call reading the time weighted price
// of the pair's pool over interval seconds.
func UniV3TWAPOracleCall(oracle, tokenA, tokenB common.Address, fee, interval uint32) (model.OracleCall, error) {
	addressType, _ := abi.NewType("address", "", nil)
	uint32Type, _ := abi.NewType("uint32", "", nil)
	params, err := abi.Arguments{
		{Type: addressType},
		{Type: uint32Type},
	}.Pack(UniV3PoolAddress(tokenA, tokenB, fee), interval)
	if err != nil {
		return model.OracleCall{}, err
	}
	return model.OracleCall{OracleAddress: oracle, OracleParams: params}, nil
}
