// Package validator admits signed declarations: it checks signature, expiry,
// nonce availability and segment structure, then reserves the declaration's
// nonces in one step.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/model"
)

// Reason classifies a rejected submission.
type Reason string

const (
	BadSignature      Reason = "BadSignature"
	Expired           Reason = "Expired"
	NonceUnavailable  Reason = "NonceUnavailable"
	MalformedSegments Reason = "MalformedSegments"
)

// Rejection is returned to the submitter and never retried.
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// EIP1271MagicValue is returned by isValidSignature for a valid signature.
var EIP1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// ContractVerifier asks a contract signer whether it accepts a signature.
type ContractVerifier interface {
	IsValidSignature(ctx context.Context, contract common.Address, hash common.Hash, signature []byte) (bool, error)
}

// NonceRegistry is the subset of the nonce registry used during admission.
type NonceRegistry interface {
	IsUsed(n model.Nonce) bool
	ReserveAll(nonces []model.Nonce) error
}

// Result carries the declaration hash, and a rejection if it was not accepted.
type Result struct {
	Hash      common.Hash
	Rejection *Rejection
}

func (r Result) Accepted() bool {
	return r.Rejection == nil
}

type Validator struct {
	verifyingContract common.Address
	registry          NonceRegistry
	contracts         ContractVerifier
	log               *slog.Logger
}

func New(verifyingContract common.Address, registry NonceRegistry, contracts ContractVerifier) *Validator {
	return &Validator{
		verifyingContract: verifyingContract,
		registry:          registry,
		contracts:         contracts,
		log:               slog.Default().With("component", "validator"),
	}
}

// Validate runs the admission checks in order and stops at the first failure.
// An accepted declaration has all of its nonces reserved on return. The error
// return is reserved for infrastructure failures, such as an unreachable
// contract signer.
func (v *Validator) Validate(ctx context.Context, signed *model.SignedDeclaration, now time.Time) (Result, error) {
	hash, err := DeclarationHash(signed, v.verifyingContract)
	if err != nil {
		return v.rejected(Result{}, reject(MalformedSegments, "%v", err)), nil
	}
	res := Result{Hash: hash}

	rej, err := v.checkSignature(ctx, signed, hash)
	if err != nil {
		return res, err
	}
	if rej != nil {
		return v.rejected(res, rej), nil
	}

	if exp := signed.Declaration.ExpiryTime; exp != nil && !exp.After(now) {
		return v.rejected(res, reject(Expired, "expired at %s", exp.UTC().Format(time.RFC3339))), nil
	}

	nonces := signed.Nonces()
	if rej := v.checkNonces(nonces); rej != nil {
		return v.rejected(res, rej), nil
	}

	if rej := checkSegments(signed.Declaration); rej != nil {
		return v.rejected(res, rej), nil
	}

	if err := v.registry.ReserveAll(nonces); err != nil {
		return v.rejected(res, reject(NonceUnavailable, "%v", err)), nil
	}

	v.log.Info("declaration accepted", "hash", hash, "signer", signed.Signer, "intents", len(nonces))
	return res, nil
}

func (v *Validator) rejected(res Result, rej *Rejection) Result {
	v.log.Info("declaration rejected", "hash", res.Hash, "reason", rej.Reason, "detail", rej.Detail)
	res.Rejection = rej
	return res
}

func (v *Validator) checkSignature(ctx context.Context, signed *model.SignedDeclaration, hash common.Hash) (*Rejection, error) {
	switch signed.SignatureType {
	case model.SignatureTypeEIP712:
		addr, err := RecoverSigner(hash, signed.Signature)
		if err != nil {
			return reject(BadSignature, "%v", err), nil
		}
		if addr != signed.Signer {
			return reject(BadSignature, "recovered %s", addr.Hex()), nil
		}
		return nil, nil
	case model.SignatureTypeEIP1271:
		if v.contracts == nil {
			return reject(BadSignature, "contract signatures are not supported"), nil
		}
		ok, err := v.contracts.IsValidSignature(ctx, signed.Signer, hash, signed.Signature)
		if err != nil {
			return nil, fmt.Errorf("verify contract signature: %w", err)
		}
		if !ok {
			return reject(BadSignature, "contract %s refused signature", signed.Signer.Hex()), nil
		}
		return nil, nil
	}
	return reject(BadSignature, "unknown signature type %q", signed.SignatureType), nil
}

func (v *Validator) checkNonces(nonces []model.Nonce) *Rejection {
	seen := make(map[model.Nonce]struct{}, len(nonces))
	for _, n := range nonces {
		if err := n.Validate(); err != nil {
			return reject(NonceUnavailable, "%v", err)
		}
		if _, dup := seen[n]; dup {
			return reject(NonceUnavailable, "nonce %s used by more than one intent", n)
		}
		seen[n] = struct{}{}
		if v.registry.IsUsed(n) {
			return reject(NonceUnavailable, "nonce %s already used", n)
		}
	}
	return nil
}

func checkSegments(d model.Declaration) *Rejection {
	if len(d.Intents) == 0 {
		return reject(MalformedSegments, "declaration has no intents")
	}
	for i, in := range d.Intents {
		if len(in.Segments) == 0 {
			return reject(MalformedSegments, "intent %d has no segments", i)
		}
		for j, seg := range in.Segments {
			if err := seg.Validate(); err != nil {
				return reject(MalformedSegments, "intent %d segment %d: %v", i, j, err)
			}
		}
	}
	return nil
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}
