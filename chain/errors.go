package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies a chain error so callers can decide whether to retry and
// which HTTP status to surface.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindRevert            Kind = "revert"
	KindNonceTooLow       Kind = "nonceTooLow"
	KindUnderpriced       Kind = "underpriced"
	KindInsufficientFunds Kind = "insufficientFunds"
	KindUnknown           Kind = "unknown"
)

// Error is the typed error returned by every adapter operation.
type Error struct {
	Kind      Kind
	Retriable bool
	Err       error
	// RevertData carries the raw revert payload when the node provided one.
	RevertData hexutil.Bytes
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err, or nil if err is not one.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// Classify wraps err into a typed Error based on the node's error message.
// Node implementations do not agree on error types, only on message
// substrings, so classification is textual.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if ce := AsError(err); ce != nil {
		return ce
	}
	out := &Error{Kind: KindUnknown, Err: err}
	switch {
	case isNonceTooLow(err), isNonceTooHigh(err):
		out.Kind = KindNonceTooLow
		out.Retriable = true
	case isUnderpriced(err), isFeeTooLow(err):
		out.Kind = KindUnderpriced
		out.Retriable = true
	case isInsufficientFunds(err):
		// A gas-starved relayer wallet; retrying without refunding is futile.
		out.Kind = KindInsufficientFunds
	case isReverted(err):
		out.Kind = KindRevert
	case isNetwork(err):
		out.Kind = KindNetwork
		out.Retriable = true
	}
	// Revert reasons travel as error data on some nodes.
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch v := dataErr.ErrorData().(type) {
		case []byte:
			out.RevertData = hexutil.Bytes(v)
		case string:
			if b, derr := hexutil.Decode(v); derr == nil {
				out.RevertData = hexutil.Bytes(b)
			}
		}
	}
	return out
}

func isNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func isNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low") ||
		containsErr(err, "invalid nonce")
}

func isUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low")
}

func isFeeTooLow(err error) bool {
	return containsErr(err, "fee cap too low") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func isInsufficientFunds(err error) bool {
	return containsErr(err, "insufficient funds")
}

func isReverted(err error) bool {
	return containsErr(err, "execution reverted") ||
		containsErr(err, "always failing transaction")
}

func isAlreadyKnown(err error) bool {
	return containsErr(err, "already known")
}

func isNetwork(err error) bool {
	return containsErr(err, "connection refused") ||
		containsErr(err, "connection reset") ||
		containsErr(err, "i/o timeout") ||
		containsErr(err, "context deadline exceeded") ||
		containsErr(err, "eof") ||
		containsErr(err, "no such host")
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
