package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brinktrade/brink-api/internal/routing"
	"github.com/brinktrade/brink-api/pkg/client"
)

const (
	baseURL   = "http://localhost:2818"
	apiKey    = ""
	apiSecret = ""
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := client.NewClient(baseURL, apiKey, apiSecret)

	fmt.Println("1. Performing Health Check...")
	health, err := c.Health(ctx)
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	fmt.Printf("   Health status: %s on chain %d\n\n", health.Status, health.ChainID)

	signer := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	fmt.Println("2. Reserving nonces...")
	nonces, err := c.Nonces(ctx, signer, 2)
	if err != nil {
		log.Fatalf("Failed to get nonces: %v", err)
	}
	fmt.Printf("   Nonces: %v\n\n", nonces)

	fmt.Println("3. Quoting a swap...")
	route, err := c.RouteSwapForInput(ctx, client.RouteQuery{
		TokenIn:       common.HexToAddress("0x4200000000000000000000000000000000000006"),
		TokenOut:      common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		TokenInAmount: big.NewInt(1e17),
		Include:       routing.IncludeEstimates,
	})
	if err != nil {
		log.Fatalf("Failed to route: %v", err)
	}
	if route.Estimates.Failed() {
		fmt.Printf("   No route: %s\n\n", route.Estimates.Err.Message)
	} else {
		fmt.Printf("   %s quotes %s out\n\n", route.Estimates.Value.Source, route.Estimates.Value.AmountOut)
	}

	fmt.Println("4. Listing open declarations...")
	page, err := c.FindDeclarations(ctx, client.FindQuery{Signer: &signer, Status: "open", Limit: 10})
	if err != nil {
		log.Fatalf("Failed to find declarations: %v", err)
	}
	for _, d := range page.Declarations {
		fmt.Printf("   %s %s\n", d.Hash.Hex(), d.Status)
	}
}
