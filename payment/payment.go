// Package payment implements the x402 payment leg: parsing the X-Payment
// header, verifying an EIP-3009 transfer authorization against chain state
// and settling it with transferWithAuthorization.
package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/relayer"
)

// SchemeExact is the only payment scheme accepted: the authorized value must
// cover the quoted amount exactly or above.
const SchemeExact = "exact"

// Authorization is the wire form of an EIP-3009 transfer authorization, as
// carried inside the X-Payment header. Integers travel as decimal strings;
// the nonce is 32 bytes of hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload couples the authorization with its 65-byte signature
// (0x || r || s || v).
type Payload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Envelope is the decoded X-Payment header.
type Envelope struct {
	Version int     `json:"version"`
	Scheme  string  `json:"scheme"`
	Network string  `json:"network"`
	Payload Payload `json:"payload"`
}

// ParseHeader decodes a base64 X-Payment header into an Envelope. Any
// decoding or parsing failure yields nil: a malformed header and a missing
// one are treated the same upstream.
func ParseHeader(header string) *Envelope {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(header); err != nil {
			return nil
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return &env
}

// decoded is the typed view of an envelope, produced once and shared by
// verify and settle.
type decoded struct {
	from        common.Address
	to          common.Address
	value       *big.Int
	validAfter  int64
	validBefore int64
	nonce       [32]byte
	sig         []byte
}

func (e *Envelope) decode() (*decoded, error) {
	auth := e.Payload.Authorization
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("malformed authorization addresses")
	}
	d := &decoded{
		from: common.HexToAddress(auth.From),
		to:   common.HexToAddress(auth.To),
	}
	var ok bool
	if d.value, ok = new(big.Int).SetString(auth.Value, 10); !ok || d.value.Sign() < 0 {
		return nil, fmt.Errorf("malformed authorization value %q", auth.Value)
	}
	after, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("malformed validAfter %q", auth.ValidAfter)
	}
	before, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("malformed validBefore %q", auth.ValidBefore)
	}
	d.validAfter, d.validBefore = after.Int64(), before.Int64()

	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("authorization nonce must be 32 bytes of hex")
	}
	copy(d.nonce[:], nonce)

	if d.sig, err = hexutil.Decode(e.Payload.Signature); err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	if len(d.sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(d.sig))
	}
	return d, nil
}

// Service verifies and settles payment envelopes against the stablecoin.
type Service struct {
	adapter       *chain.Adapter
	pool          *relayer.Pool
	receiver      common.Address
	confirmations uint64
}

// New builds a payment service collecting into receiver.
func New(adapter *chain.Adapter, pool *relayer.Pool, receiver common.Address, confirmations uint64) *Service {
	return &Service{adapter: adapter, pool: pool, receiver: receiver, confirmations: confirmations}
}

// Receiver returns the configured receiving wallet.
func (s *Service) Receiver() common.Address { return s.receiver }

// Verify checks the envelope against expected. Checks run in a fixed order
// and short-circuit on the first failure, whose reason is returned. A
// non-nil error means a chain read failed and no verdict was reached.
func (s *Service) Verify(ctx context.Context, env *Envelope, expected *big.Int) (bool, string, error) {
	if env.Scheme != "" && env.Scheme != SchemeExact {
		return false, fmt.Sprintf("Unsupported payment scheme %q", env.Scheme), nil
	}
	d, err := env.decode()
	if err != nil {
		return false, "Malformed payment authorization", nil
	}

	if d.to != s.receiver {
		return false, "Payment recipient mismatch", nil
	}
	if expected != nil && d.value.Cmp(expected) < 0 {
		return false, "Insufficient amount", nil
	}
	now := time.Now().Unix()
	if now <= d.validAfter {
		return false, "Authorization not yet valid", nil
	}
	if now >= d.validBefore {
		return false, "Authorization expired", nil
	}

	used, err := s.authorizationState(ctx, d.from, d.nonce)
	if err != nil {
		return false, "", err
	}
	if used {
		return false, "Authorization already used", nil
	}

	balance, err := s.adapter.StablecoinBalance(ctx, d.from)
	if err != nil {
		return false, "", err
	}
	if balance.Cmp(d.value) < 0 {
		return false, "Insufficient stablecoin balance", nil
	}
	return true, "", nil
}

func (s *Service) authorizationState(ctx context.Context, from common.Address, nonce [32]byte) (bool, error) {
	out, err := s.adapter.ContractRead(ctx, s.adapter.Stablecoin(), "authorizationState", from, nonce)
	if err != nil {
		return false, fmt.Errorf("read authorizationState: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState return type %T", out[0])
	}
	return used, nil
}

// Settle submits transferWithAuthorization for the envelope from a relayer
// wallet and waits for its receipt. Execution must not begin until Settle
// has returned the mined hash.
func (s *Service) Settle(ctx context.Context, env *Envelope) (common.Hash, error) {
	d, err := env.decode()
	if err != nil {
		return common.Hash{}, fmt.Errorf("settle: %w", err)
	}
	var r32, s32 [32]byte
	copy(r32[:], d.sig[0:32])
	copy(s32[:], d.sig[32:64])
	v := d.sig[64]
	if v < 27 {
		v += 27
	}

	rel := s.pool.Acquire()
	defer s.pool.Release(rel)

	tx, err := s.adapter.SendContract(ctx, rel.Key(), s.adapter.Stablecoin(),
		"transferWithAuthorization", nil, 0,
		d.from, d.to, d.value,
		new(big.Int).SetInt64(d.validAfter), new(big.Int).SetInt64(d.validBefore),
		d.nonce, v, r32, s32)
	if err != nil {
		if ce := chain.AsError(err); ce != nil &&
			(ce.Kind == chain.KindNonceTooLow || ce.Kind == chain.KindUnderpriced) {
			if rerr := s.pool.Resync(ctx, rel); rerr != nil {
				log.Errorw(rerr, "nonce resync after failed settlement")
			}
		}
		return common.Hash{}, fmt.Errorf("submit settlement: %w", err)
	}

	receipt, err := s.adapter.AwaitReceipt(ctx, tx.Hash(), s.confirmations)
	if err != nil {
		return common.Hash{}, fmt.Errorf("await settlement receipt: %w", err)
	}
	if receipt.Status != 1 {
		return common.Hash{}, fmt.Errorf("settlement tx %s reverted", tx.Hash().Hex())
	}
	log.Infow("payment settled",
		"payer", d.from.Hex(), "value", d.value.String(),
		"tx", tx.Hash().Hex(), "relayer", rel.Address().Hex())
	return tx.Hash(), nil
}
