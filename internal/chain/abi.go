package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20 allowance and approval
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

const uint256OracleABIJSON = `[
	{
		"inputs": [{"name": "params", "type": "bytes"}],
		"name": "getUint256",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const eip1271ABIJSON = `[
	{
		"inputs": [
			{"name": "hash", "type": "bytes32"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "isValidSignature",
		"outputs": [{"name": "magicValue", "type": "bytes4"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const priceCurveABIJSON = `[
	{
		"inputs": [
			{"name": "totalInput", "type": "uint256"},
			{"name": "filledInput", "type": "uint256"},
			{"name": "input", "type": "uint256"},
			{"name": "curveParams", "type": "bytes"}
		],
		"name": "getOutput",
		"outputs": [{"name": "output", "type": "uint256"}],
		"stateMutability": "pure",
		"type": "function"
	}
]`

const cancelVerifierABIJSON = `[
	{
		"inputs": [
			{"name": "bitmapIndex", "type": "uint256"},
			{"name": "bits", "type": "uint256"}
		],
		"name": "cancel",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const accountABIJSON = `[
	{
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "data", "type": "bytes"},
			{"name": "signature", "type": "bytes"},
			{"name": "unsignedData", "type": "bytes"}
		],
		"name": "metaDelegateCall",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "data", "type": "bytes"}
		],
		"name": "delegateCall",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// GetERC20ABI returns the parsed ERC20 ABI
func GetERC20ABI() abi.ABI {
	return mustParse("ERC20", erc20ABIJSON)
}

// GetUint256OracleABI returns the parsed uint256 oracle ABI
func GetUint256OracleABI() abi.ABI {
	return mustParse("Uint256Oracle", uint256OracleABIJSON)
}

// GetEIP1271ABI returns the parsed EIP-1271 ABI
func GetEIP1271ABI() abi.ABI {
	return mustParse("EIP1271", eip1271ABIJSON)
}

// GetPriceCurveABI returns the parsed price curve ABI
func GetPriceCurveABI() abi.ABI {
	return mustParse("PriceCurve", priceCurveABIJSON)
}

// GetCancelVerifierABI returns the parsed cancel verifier ABI
func GetCancelVerifierABI() abi.ABI {
	return mustParse("CancelVerifier", cancelVerifierABIJSON)
}

// GetAccountABI returns the parsed account ABI
func GetAccountABI() abi.ABI {
	return mustParse("Account", accountABIJSON)
}
