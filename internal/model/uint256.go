package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// Uint256 is an unsigned integer of at most 256 bits. It travels as a decimal
// string on the wire and accepts either decimal or 0x-prefixed hex on input.
type Uint256 big.Int

// NewUint256 copies x into a new Uint256.
func NewUint256(x *big.Int) *Uint256 {
	return (*Uint256)(new(big.Int).Set(x))
}

// U64 is a shorthand for small constants.
func U64(x uint64) *Uint256 {
	return (*Uint256)(new(big.Int).SetUint64(x))
}

// Big returns a copy of the value. A nil receiver reads as zero.
func (u *Uint256) Big() *big.Int {
	if u == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(u))
}

// IsZero reports whether u is nil or zero.
func (u *Uint256) IsZero() bool {
	return u == nil || (*big.Int)(u).Sign() == 0
}

func (u *Uint256) String() string {
	return u.Big().String()
}

// MarshalJSON encodes the value as a quoted decimal string so that canonical
// JSON never passes it through a float.
func (u *Uint256) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (u *Uint256) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	return u.UnmarshalText([]byte(s))
}

func (u *Uint256) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("empty uint256")
	}
	v, ok := math.ParseBig256(string(text))
	if !ok {
		return fmt.Errorf("invalid uint256 %q", text)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative uint256 %q", text)
	}
	(*big.Int)(u).Set(v)
	return nil
}
