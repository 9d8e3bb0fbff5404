package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/0xShortx/CroGas/forwarder"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/rebalance"
	"github.com/0xShortx/CroGas/relay"
	"github.com/0xShortx/CroGas/relayer"
)

// ForwardRequestDTO is the wire form of a ForwardRequest. Unbounded integers
// travel as decimal strings; calldata as 0x-hex.
type ForwardRequestDTO struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Gas      string `json:"gas"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
	Data     string `json:"data"`
}

// RelayRequest is the POST /meta/relay body.
type RelayRequest struct {
	Request   ForwardRequestDTO `json:"request"`
	Signature string            `json:"signature"`
	Priority  string            `json:"priority,omitempty"`
}

// BatchRelayRequest is the POST /meta/batch body.
type BatchRelayRequest struct {
	Requests []struct {
		Request   ForwardRequestDTO `json:"request"`
		Signature string            `json:"signature"`
	} `json:"requests"`
	Priority string `json:"priority,omitempty"`
}

// RelayResponse is the 200 body of a single relay.
type RelayResponse struct {
	Success       bool   `json:"success"`
	TxHash        string `json:"txHash"`
	PaymentTxHash string `json:"paymentTxHash"`
	Result        string `json:"result,omitempty"`
	Tier          string `json:"tier"`
}

// BatchRelayResponse is the 200 body of a batch relay.
type BatchRelayResponse struct {
	Success       bool                    `json:"success"`
	PaymentTxHash string                  `json:"paymentTxHash"`
	Results       []relay.BatchItemResult `json:"results"`
	Tier          string                  `json:"tier"`
}

// QuoteDTO is the quote block of the 402 body and the estimate endpoint.
type QuoteDTO struct {
	GasEstimate   string  `json:"gasEstimate"`
	GasPriceGwei  string  `json:"gasPriceGwei"`
	NativePrice   float64 `json:"croPrice"`
	PriceUSDC     string  `json:"priceUSDC"`
	PriceRaw      string  `json:"priceRaw"`
	Priority      string  `json:"priority"`
	EstimatedTime string  `json:"estimatedTime"`
	ValidUntil    string  `json:"validUntil"`
}

func quoteDTO(q *pricing.Quote) QuoteDTO {
	return QuoteDTO{
		GasEstimate:   q.GasEstimate,
		GasPriceGwei:  q.GasPriceGwei,
		NativePrice:   q.NativeUSDPrice,
		PriceUSDC:     q.FinalPriceUSD,
		PriceRaw:      q.FinalPriceRaw.String(),
		Priority:      string(q.Tier),
		EstimatedTime: q.TierConfig.EstimatedTime,
		ValidUntil:    q.ValidUntil.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

// EstimateResponse is the GET /estimate body when no priority is requested.
type EstimateResponse struct {
	GasEstimate string              `json:"gasEstimate"`
	Quotes      map[string]QuoteDTO `json:"quotes"`
}

// X402Accept is one accepted payment method of the 402 challenge.
type X402Accept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Description       string `json:"description"`
}

// X402Terms is the x402 block of the 402 challenge.
type X402Terms struct {
	Version int          `json:"version"`
	Accepts []X402Accept `json:"accepts"`
}

// PaymentRequiredResponse is the 402 body: terms plus the quote they price.
type PaymentRequiredResponse struct {
	Error string    `json:"error"`
	X402  X402Terms `json:"x402"`
	Quote QuoteDTO  `json:"quote"`
}

// DomainResponse is the GET /meta/domain body.
type DomainResponse struct {
	Domain           DomainDTO      `json:"domain"`
	Types            apitypes.Types `json:"types"`
	ForwarderAddress string         `json:"forwarderAddress"`
}

// DomainDTO renders the EIP-712 domain with a numeric chain ID.
type DomainDTO struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// NonceResponse is the GET /meta/nonce/{address} body.
type NonceResponse struct {
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

// RelayerHealth is one wallet's balances in the health body.
type RelayerHealth struct {
	Address           string `json:"address"`
	NativeBalance     string `json:"nativeBalance"`
	StablecoinBalance string `json:"stablecoinBalance"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status       string            `json:"status"`
	Warnings     []string          `json:"warnings,omitempty"`
	Relayers     []RelayerHealth   `json:"relayers"`
	Pool         relayer.PoolStats `json:"pool"`
	GasPriceGwei string            `json:"gasPriceGwei"`
	NativePrice  pricing.Snapshot  `json:"nativePrice"`
	Counters     relay.Counters    `json:"relayedTxs"`
	Rebalance    rebalance.Status  `json:"rebalance"`
}

// FaucetResponse is the GET /faucet/{address} body.
type FaucetResponse struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

// toForwardRequest validates and converts the DTO into the typed request.
func (dto *ForwardRequestDTO) toForwardRequest() (*forwarder.ForwardRequest, error) {
	if !common.IsHexAddress(dto.From) {
		return nil, fmt.Errorf("invalid from address %q", dto.From)
	}
	if !common.IsHexAddress(dto.To) {
		return nil, fmt.Errorf("invalid to address %q", dto.To)
	}
	req := &forwarder.ForwardRequest{
		From: common.HexToAddress(dto.From),
		To:   common.HexToAddress(dto.To),
	}
	var err error
	if req.Value, err = parseUint(dto.Value, "value"); err != nil {
		return nil, err
	}
	if req.Gas, err = parseUint(dto.Gas, "gas"); err != nil {
		return nil, err
	}
	if req.Gas.Sign() == 0 {
		return nil, fmt.Errorf("gas must be positive")
	}
	if req.Nonce, err = parseUint(dto.Nonce, "nonce"); err != nil {
		return nil, err
	}
	if req.Deadline, err = parseUint(dto.Deadline, "deadline"); err != nil {
		return nil, err
	}
	if dto.Data == "" || dto.Data == "0x" {
		req.Data = []byte{}
	} else if req.Data, err = hexutil.Decode(dto.Data); err != nil {
		return nil, fmt.Errorf("invalid calldata: %w", err)
	}
	return req, nil
}

// parseUint parses a non-negative decimal string. Empty means zero.
func parseUint(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}

// parseSignature decodes a 65-byte 0x-hex signature.
func parseSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}
