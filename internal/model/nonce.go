package model

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BitsPerBitmap is the width of one on-chain nonce bitmap word.
const BitsPerBitmap = 256

var ErrInvalidNonce = errors.New("invalid nonce")

// NonceBit addresses one bit of a signer's nonce bitmaps.
type NonceBit struct {
	BitmapIndex uint64 `json:"bitmapIndex"`
	Bit         uint   `json:"bit"`
}

// Nonce is a single-use (signer, bitmapIndex, bit) flag.
type Nonce struct {
	Signer common.Address `json:"signer"`
	NonceBit
}

// NewNonce builds a nonce for signer.
func NewNonce(signer common.Address, bitmapIndex uint64, bit uint) Nonce {
	return Nonce{Signer: signer, NonceBit: NonceBit{BitmapIndex: bitmapIndex, Bit: bit}}
}

// Validate rejects bits outside the bitmap word.
func (b NonceBit) Validate() error {
	if b.Bit >= BitsPerBitmap {
		return fmt.Errorf("%w: bit %d out of range", ErrInvalidNonce, b.Bit)
	}
	return nil
}

// Value is the flat nonce number, bitmapIndex*256 + bit.
func (b NonceBit) Value() *big.Int {
	v := new(big.Int).SetUint64(b.BitmapIndex)
	v.Lsh(v, 8)
	return v.Add(v, big.NewInt(int64(b.Bit)))
}

// Mask is the bitmap word with only this bit set.
func (b NonceBit) Mask() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), b.Bit)
}

// NonceBitFromValue splits a flat nonce number into bitmap index and bit.
func NonceBitFromValue(v *big.Int) (NonceBit, error) {
	if v == nil || v.Sign() < 0 {
		return NonceBit{}, fmt.Errorf("%w: negative value", ErrInvalidNonce)
	}
	idx := new(big.Int).Rsh(v, 8)
	if !idx.IsUint64() {
		return NonceBit{}, fmt.Errorf("%w: bitmap index overflows", ErrInvalidNonce)
	}
	bit := new(big.Int).And(v, big.NewInt(0xff))
	return NonceBit{BitmapIndex: idx.Uint64(), Bit: uint(bit.Uint64())}, nil
}

func (n Nonce) String() string {
	return fmt.Sprintf("%s/%d/%d", n.Signer.Hex(), n.BitmapIndex, n.Bit)
}
