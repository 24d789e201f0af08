// Package client is a Go client for the Brink intent gateway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/middleware"
	"github.com/brinktrade/brink-api/internal/model"
	"github.com/brinktrade/brink-api/internal/routing"
)

// HealthResponse represents the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	ChainID int64  `json:"chainId"`
}

// Declaration is a stored declaration with the includes that were requested.
// Includes are kept raw; each is either a value or {"error": {...}}.
type Declaration struct {
	model.DeclarationRecord
	RequiredTransactions json.RawMessage `json:"requiredTransactions,omitempty"`
	Cancel               json.RawMessage `json:"cancel,omitempty"`
}

// FindQuery filters FindDeclarations. Zero fields are not sent.
type FindQuery struct {
	Signer        *common.Address
	TokenAddress  []common.Address
	Status        model.DeclarationStatus
	Source        string
	SortDirection string
	Limit         int
	Offset        int
	Includes      []string
}

// FindResult is one page of declarations.
type FindResult struct {
	Count        int            `json:"count"`
	Declarations []*Declaration `json:"declarations"`
}

// NonceTransaction is an on-chain transaction that touched a nonce.
type NonceTransaction struct {
	ChainID         int64                   `json:"chainId"`
	DeclarationHash common.Hash             `json:"declarationHash"`
	Hash            common.Hash             `json:"hash"`
	IntentIndex     *int                    `json:"intentIndex,omitempty"`
	Status          model.TransactionStatus `json:"status"`
	Type            model.TransactionType   `json:"type"`
}

// NonceUsage reports who uses a nonce.
type NonceUsage struct {
	UsedByIntents []common.Hash      `json:"usedByIntents"`
	UsedOnChain   bool               `json:"usedOnChain"`
	Transactions  []NonceTransaction `json:"transactions"`
}

// RouteQuery describes an exact input swap to quote.
type RouteQuery struct {
	TokenIn       common.Address
	TokenOut      common.Address
	TokenInAmount *big.Int
	Buyer         *common.Address
	Sources       []routing.SourceName
	Include       routing.Include
}

// RouteResult holds estimates or routes, each either a value or an error.
type RouteResult struct {
	Estimates *model.Field[*routing.Estimate] `json:"estimates,omitempty"`
	Routes    *model.Field[[]routing.Route]   `json:"routes,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Client is a client for the gateway.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	chainID    int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithChainID sets the chainId sent with queries. Zero uses the gateway chain.
func WithChainID(chainID int64) Option {
	return func(c *Client) { c.chainID = chainID }
}

// NewClient creates a new gateway client.
func NewClient(baseURL, apiKey, apiSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the health of the gateway.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit sends a signed declaration and returns its hash. A rejected
// declaration is an *APIError with code DECLARATION_REJECTED.
func (c *Client) Submit(ctx context.Context, signed *model.SignedDeclaration) (common.Hash, error) {
	var resp struct {
		Hash common.Hash `json:"hash"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/intents/submit/v1", nil, signed, &resp); err != nil {
		return common.Hash{}, err
	}
	return resp.Hash, nil
}

// GetDeclaration fetches one declaration. includes may name
// requiredTransactions and cancel.
func (c *Client) GetDeclaration(ctx context.Context, hash common.Hash, includes ...string) (*Declaration, error) {
	q := c.values()
	if len(includes) > 0 {
		q.Set("includes", strings.Join(includes, ","))
	}
	var resp Declaration
	if err := c.doRequest(ctx, http.MethodGet, "/intents/declarations/"+hash.Hex()+"/v1", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FindDeclarations lists declarations matching fq.
func (c *Client) FindDeclarations(ctx context.Context, fq FindQuery) (*FindResult, error) {
	q := c.values()
	if fq.Signer != nil {
		q.Set("signer", fq.Signer.Hex())
	}
	for _, token := range fq.TokenAddress {
		q.Add("tokenAddress", token.Hex())
	}
	if fq.Status != "" {
		q.Set("status", string(fq.Status))
	}
	if fq.Source != "" {
		q.Set("source", fq.Source)
	}
	if fq.SortDirection != "" {
		q.Set("sortDirection", fq.SortDirection)
	}
	if fq.Limit > 0 {
		q.Set("limit", strconv.Itoa(fq.Limit))
	}
	if fq.Offset > 0 {
		q.Set("offset", strconv.Itoa(fq.Offset))
	}
	if len(fq.Includes) > 0 {
		q.Set("includes", strings.Join(fq.Includes, ","))
	}
	var resp FindResult
	if err := c.doRequest(ctx, http.MethodGet, "/intents/declarations/find/v1", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a declaration off chain.
func (c *Client) Cancel(ctx context.Context, hash common.Hash) (*Declaration, error) {
	var resp Declaration
	if err := c.doRequest(ctx, http.MethodPost, "/intents/declarations/"+hash.Hex()+"/cancel/v1", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nonce reports the usage of one nonce value of signer.
func (c *Client) Nonce(ctx context.Context, signer common.Address, value *big.Int) (*NonceUsage, error) {
	q := c.values()
	q.Set("nonce", value.String())
	var resp NonceUsage
	if err := c.doRequest(ctx, http.MethodGet, "/signers/"+signer.Hex()+"/nonce/v1", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nonces returns count unused nonces of signer.
func (c *Client) Nonces(ctx context.Context, signer common.Address, count int) ([]*big.Int, error) {
	q := c.values()
	q.Set("count", strconv.Itoa(count))
	var resp struct {
		Nonces []*model.Uint256 `json:"nonces"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/signers/"+signer.Hex()+"/nonces/v1", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(resp.Nonces))
	for i, n := range resp.Nonces {
		out[i] = n.Big()
	}
	return out, nil
}

// RouteSwapForInput quotes an exact input swap.
func (c *Client) RouteSwapForInput(ctx context.Context, rq RouteQuery) (*RouteResult, error) {
	if rq.TokenInAmount == nil {
		return nil, fmt.Errorf("tokenInAmount is required")
	}
	q := c.values()
	q.Set("tokenIn", rq.TokenIn.Hex())
	q.Set("tokenOut", rq.TokenOut.Hex())
	q.Set("tokenInAmount", rq.TokenInAmount.String())
	if rq.Buyer != nil {
		q.Set("buyer", rq.Buyer.Hex())
	}
	if len(rq.Sources) > 0 {
		names := make([]string, len(rq.Sources))
		for i, s := range rq.Sources {
			names[i] = string(s)
		}
		q.Set("sources", strings.Join(names, ","))
	}
	if rq.Include != "" {
		q.Set("include", string(rq.Include))
	}
	var resp RouteResult
	if err := c.doRequest(ctx, http.MethodGet, "/routing/routeSwapForInput/v1", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) values() url.Values {
	q := url.Values{}
	if c.chainID != 0 {
		q.Set("chainId", strconv.FormatInt(c.chainID, 10))
	}
	return q
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, data, result any) error {
	var reqBody []byte
	var err error

	if data != nil {
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request data: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	req.Header.Set(middleware.TimestampHeader, timestamp)
	req.Header.Set(middleware.SignatureHeader, middleware.Sign(c.apiSecret, timestamp, reqBody))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			apiErr = env.Error
		} else {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
