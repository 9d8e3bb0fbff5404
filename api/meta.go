package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/relay"
)

// paymentHeader is the x402 header carrying the signed authorization.
const paymentHeader = "X-Payment"

// metaDomain serves the EIP-712 signing material so clients produce
// signatures the on-chain verifier accepts byte for byte.
func (a *API) metaDomain(w http.ResponseWriter, _ *http.Request) {
	fwd := a.cfg.Forwarder
	d := fwd.Domain()
	httpWriteJSON(w, DomainResponse{
		Domain: DomainDTO{
			Name:              d.Name,
			Version:           d.Version,
			ChainID:           a.cfg.Adapter.ChainID().Uint64(),
			VerifyingContract: d.VerifyingContract,
		},
		Types:            fwd.Types(),
		ForwarderAddress: fwd.Address().Hex(),
	})
}

// metaNonce returns the agent's current forwarder nonce.
func (a *API) metaNonce(w http.ResponseWriter, r *http.Request) {
	addrStr := chi.URLParam(r, AddressURLParam)
	if !common.IsHexAddress(addrStr) {
		ErrValidation.Withf("invalid address %q", addrStr).Write(w)
		return
	}
	addr := common.HexToAddress(addrStr)
	nonce, err := a.cfg.Forwarder.GetNonce(r.Context(), addr)
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	httpWriteJSON(w, NonceResponse{Address: addr.Hex(), Nonce: nonce.String()})
}

// metaRelay runs a single meta-transaction through the x402 flow: without a
// payment header the response is the 402 challenge; with one, the payment is
// settled and the request executed.
func (a *API) metaRelay(w http.ResponseWriter, r *http.Request) {
	var body RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ErrValidation.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	req, err := body.Request.toForwardRequest()
	if err != nil {
		ErrValidation.WithErr(err).Write(w)
		return
	}
	sig, err := parseSignature(body.Signature)
	if err != nil {
		ErrValidation.WithErr(err).Write(w)
		return
	}
	tier, err := pricing.ParseTier(body.Priority)
	if err != nil {
		ErrValidation.WithErr(err).Write(w)
		return
	}

	outcome, err := a.cfg.Orchestrator.Relay(r.Context(), req, sig, tier, r.Header.Get(paymentHeader))
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	if outcome.NeedsPayment {
		a.writePaymentRequired(w, outcome.Quote)
		return
	}
	resp := RelayResponse{
		Success:       outcome.Success,
		TxHash:        outcome.TxHash.Hex(),
		PaymentTxHash: outcome.PaymentTxHash.Hex(),
		Tier:          string(outcome.Tier),
	}
	if len(outcome.ReturnData) > 0 {
		resp.Result = hexutil.Encode(outcome.ReturnData)
	}
	httpWriteJSON(w, resp)
}

// metaBatch relays up to MaxBatchSize requests under one discounted payment.
func (a *API) metaBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchRelayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ErrValidation.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > relay.MaxBatchSize {
		ErrValidation.Withf("batch size must be 1..%d, got %d", relay.MaxBatchSize, len(body.Requests)).Write(w)
		return
	}
	tier, err := pricing.ParseTier(body.Priority)
	if err != nil {
		ErrValidation.WithErr(err).Write(w)
		return
	}
	items := make([]relay.BatchItem, 0, len(body.Requests))
	for i, entry := range body.Requests {
		req, err := entry.Request.toForwardRequest()
		if err != nil {
			ErrValidation.Withf("batch item %d: %v", i, err).Write(w)
			return
		}
		sig, err := parseSignature(entry.Signature)
		if err != nil {
			ErrValidation.Withf("batch item %d: %v", i, err).Write(w)
			return
		}
		items = append(items, relay.BatchItem{Request: req, Signature: sig})
	}

	outcome, err := a.cfg.Orchestrator.RelayBatch(r.Context(), items, tier, r.Header.Get(paymentHeader))
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	if outcome.NeedsPayment {
		a.writePaymentRequired(w, outcome.Quote)
		return
	}
	httpWriteJSON(w, BatchRelayResponse{
		Success:       outcome.Success,
		PaymentTxHash: outcome.PaymentTxHash.Hex(),
		Results:       outcome.Items,
		Tier:          string(outcome.Tier),
	})
}

// writePaymentRequired answers 402 with the x402 terms and the quote.
func (a *API) writePaymentRequired(w http.ResponseWriter, quote *pricing.Quote) {
	httpWriteJSONStatus(w, http.StatusPaymentRequired, PaymentRequiredResponse{
		Error: "Payment Required",
		X402: X402Terms{
			Version: 1,
			Accepts: []X402Accept{{
				Scheme:            "exact",
				Network:           a.cfg.Network,
				Asset:             a.cfg.Stablecoin.Hex(),
				PayTo:             a.cfg.Payment.Receiver().Hex(),
				MaxAmountRequired: quote.FinalPriceRaw.String(),
				Description: fmt.Sprintf("Gasless relay on %s at %s priority",
					a.cfg.Network, quote.Tier),
			}},
		},
		Quote: quoteDTO(quote),
	})
}

// writeRelayError maps pipeline errors onto the API error taxonomy.
func (a *API) writeRelayError(w http.ResponseWriter, err error) {
	var rejected *relay.RejectedError
	var settle *relay.SettleError
	var exec *relay.ExecuteError
	switch {
	case errors.Is(err, relay.ErrInvalidSignature):
		ErrInvalidSignature.Write(w)
	case errors.Is(err, relay.ErrMalformedPayment):
		ErrInvalidPayment.Write(w)
	case errors.As(err, &rejected):
		ErrPaymentInvalid.Withf("%s", rejected.Reason).Write(w)
	case errors.As(err, &settle):
		ErrPaymentFailed.WithErr(settle.Err).Write(w)
	case errors.As(err, &exec):
		// The payment settled before execution failed: the client keeps its
		// reference to the consumed authorization in the body.
		a.writeChainError(w, exec.Err, map[string]any{
			"paymentTxHash": exec.PaymentTxHash.Hex(),
		})
	default:
		a.writeChainError(w, err, nil)
	}
}

// writeChainError maps a chain-level failure onto the taxonomy, merging any
// extra details into the body.
func (a *API) writeChainError(w http.ResponseWriter, err error, details map[string]any) {
	write := func(e Error) {
		if len(details) > 0 {
			e = e.WithDetails(details)
		}
		e.Write(w)
	}
	ce := chain.AsError(err)
	if ce == nil {
		write(ErrInternal.WithErr(err))
		return
	}
	switch ce.Kind {
	case chain.KindRevert:
		if len(ce.RevertData) > 0 {
			if details == nil {
				details = make(map[string]any, 1)
			}
			details["revertData"] = ce.RevertData.String()
		}
		write(ErrTxReverted.WithErr(ce.Err))
	case chain.KindNonceTooLow, chain.KindUnderpriced:
		write(ErrTxNonce.WithErr(ce.Err))
	case chain.KindInsufficientFunds:
		write(ErrInsufficientFunds.WithErr(ce.Err))
	case chain.KindNetwork:
		write(ErrTxBroadcast.WithErr(ce.Err))
	default:
		write(ErrInternal.WithErr(ce.Err))
	}
}
