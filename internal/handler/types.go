package handler

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/gateway"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
)

// SubmitResponse represents the response for an accepted declaration.
type SubmitResponse struct {
	Hash common.Hash `json:"hash"`
}

// FindResponse is one page of declarations.
type FindResponse struct {
	Count        int                    `json:"count"`
	Declarations []*gateway.Declaration `json:"declarations"`
}

// NoncesResponse lists unused nonces.
type NoncesResponse struct {
	Nonces []*model.Uint256 `json:"nonces"`
}

// RequireCheckResponse is the common shape of the segment checks.
type RequireCheckResponse struct {
	Success            bool           `json:"success"`
	CurrentBlockNumber *model.Uint256 `json:"currentBlockNumber"`
	Status             string         `json:"status"`
	Reason             string         `json:"reason,omitempty"`
	Detail             string         `json:"detail,omitempty"`
}

// OracleCheckResponse is a bound check with the oracle value it saw.
type OracleCheckResponse struct {
	RequireCheckResponse
	OracleValue *model.Uint256 `json:"oracleValue,omitempty"`
}

// UseBitResponse reports whether a bit is taken.
type UseBitResponse struct {
	RequireCheckResponse
	BitUsed bool `json:"bitUsed"`
}

// OracleResponse represents an oracle read.
type OracleResponse struct {
	OracleValue *model.Uint256 `json:"oracleValue"`
}

// RoutingResponse holds the estimates or the routes of a swap, each either a
// value or the error that prevented computing it.
type RoutingResponse struct {
	Estimates *model.Field[*routing.Estimate] `json:"estimates,omitempty"`
	Routes    *model.Field[[]routing.Route]   `json:"routes,omitempty"`
}

func checkResponse(c *gateway.SegmentCheck) RequireCheckResponse {
	return RequireCheckResponse{
		Success:            c.Success,
		CurrentBlockNumber: c.CurrentBlockNumber,
		Status:             c.Status,
		Reason:             string(c.Reason),
		Detail:             c.Detail,
	}
}
