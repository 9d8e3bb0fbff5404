package chain

import (
	"errors"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestClassify(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		msg       string
		kind      Kind
		retriable bool
	}{
		{"nonce too low", KindNonceTooLow, true},
		{"Nonce too high, expected 5", KindNonceTooLow, true},
		{"invalid nonce", KindNonceTooLow, true},
		{"transaction underpriced", KindUnderpriced, true},
		{"replacement transaction underpriced", KindUnderpriced, true},
		{"fee cap too low", KindUnderpriced, true},
		{"execution reverted: ERC20: insufficient allowance", KindRevert, false},
		{"insufficient funds for gas * price + value: balance 0", KindInsufficientFunds, false},
		{"Insufficient funds for transfer", KindInsufficientFunds, false},
		{"connection refused", KindNetwork, true},
		{"i/o timeout", KindNetwork, true},
		{"something else entirely", KindUnknown, false},
	}
	for _, tc := range cases {
		err := Classify(errors.New(tc.msg))
		ce := AsError(err)
		c.Assert(ce, qt.IsNotNil, qt.Commentf("message %q", tc.msg))
		c.Assert(ce.Kind, qt.Equals, tc.kind, qt.Commentf("message %q", tc.msg))
		c.Assert(ce.Retriable, qt.Equals, tc.retriable, qt.Commentf("message %q", tc.msg))
	}
}

func TestClassifyNil(t *testing.T) {
	c := qt.New(t)
	c.Assert(Classify(nil), qt.IsNil)
}

func TestClassifyIdempotent(t *testing.T) {
	c := qt.New(t)

	first := Classify(errors.New("nonce too low"))
	second := Classify(first)
	c.Assert(second, qt.Equals, first)
}

func TestClassifyWrapped(t *testing.T) {
	c := qt.New(t)

	inner := Classify(errors.New("execution reverted"))
	wrapped := fmt.Errorf("submit forwarder execute: %w", inner)
	ce := AsError(wrapped)
	c.Assert(ce, qt.IsNotNil)
	c.Assert(ce.Kind, qt.Equals, KindRevert)
}
