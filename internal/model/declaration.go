package model

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureType selects how a declaration signature is verified.
type SignatureType string

const (
	SignatureTypeEIP712  SignatureType = "EIP712"
	SignatureTypeEIP1271 SignatureType = "EIP1271"
)

// Intent is one conditional execution path: a nonce and an ordered list of segments.
type Intent struct {
	Nonce    NonceBit  `json:"nonce"`
	Segments []Segment `json:"segments"`
}

// Declaration is the signed content of a submission.
type Declaration struct {
	Intents    []Intent   `json:"intents"`
	ExpiryTime *time.Time `json:"expiryTime,omitempty"`
}

// SignedDeclaration is what a signer submits.
type SignedDeclaration struct {
	ChainID             int64          `json:"chainId"`
	Signer              common.Address `json:"signer"`
	SignatureType       SignatureType  `json:"signatureType"`
	Signature           hexutil.Bytes  `json:"signature"`
	DeclarationContract common.Address `json:"declarationContract"`
	Declaration         Declaration    `json:"declaration"`
	// Source is the submission channel. It is not covered by the signature.
	Source string `json:"source,omitempty"`
}

// Nonces returns one nonce per intent, in intent order.
func (s *SignedDeclaration) Nonces() []Nonce {
	out := make([]Nonce, 0, len(s.Declaration.Intents))
	for _, in := range s.Declaration.Intents {
		out = append(out, Nonce{Signer: s.Signer, NonceBit: in.Nonce})
	}
	return out
}

// Tokens returns the distinct tokens referenced by swap segments, sorted.
func (s *SignedDeclaration) Tokens() []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, in := range s.Declaration.Intents {
		for _, seg := range in.Segments {
			for _, t := range seg.Tokens() {
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
