package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// forwarderABIJSON is the subset of the MinimalForwarder contract interface
// consumed by the relay.
const forwarderABIJSON = `[
	{"inputs":[{"internalType":"address","name":"from","type":"address"}],
	 "name":"getNonce","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"components":[
			{"internalType":"address","name":"from","type":"address"},
			{"internalType":"address","name":"to","type":"address"},
			{"internalType":"uint256","name":"value","type":"uint256"},
			{"internalType":"uint256","name":"gas","type":"uint256"},
			{"internalType":"uint256","name":"nonce","type":"uint256"},
			{"internalType":"uint256","name":"deadline","type":"uint256"},
			{"internalType":"bytes","name":"data","type":"bytes"}],
		 "internalType":"struct MinimalForwarder.ForwardRequest","name":"req","type":"tuple"},
		{"internalType":"bytes","name":"signature","type":"bytes"}],
	 "name":"verify","outputs":[{"internalType":"bool","name":"","type":"bool"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"components":[
			{"internalType":"address","name":"from","type":"address"},
			{"internalType":"address","name":"to","type":"address"},
			{"internalType":"uint256","name":"value","type":"uint256"},
			{"internalType":"uint256","name":"gas","type":"uint256"},
			{"internalType":"uint256","name":"nonce","type":"uint256"},
			{"internalType":"uint256","name":"deadline","type":"uint256"},
			{"internalType":"bytes","name":"data","type":"bytes"}],
		 "internalType":"struct MinimalForwarder.ForwardRequest","name":"req","type":"tuple"},
		{"internalType":"bytes","name":"signature","type":"bytes"}],
	 "name":"execute","outputs":[
		{"internalType":"bool","name":"","type":"bool"},
		{"internalType":"bytes","name":"","type":"bytes"}],
	 "stateMutability":"payable","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"from","type":"address"},
		{"indexed":true,"internalType":"address","name":"to","type":"address"},
		{"indexed":false,"internalType":"bool","name":"success","type":"bool"},
		{"indexed":false,"internalType":"bytes","name":"result","type":"bytes"}],
	 "name":"Executed","type":"event"}
]`

// stablecoinABIJSON is the EIP-3009 subset of the stablecoin contract.
const stablecoinABIJSON = `[
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],
	 "name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"authorizer","type":"address"},
		{"internalType":"bytes32","name":"nonce","type":"bytes32"}],
	 "name":"authorizationState","outputs":[{"internalType":"bool","name":"","type":"bool"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"from","type":"address"},
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"value","type":"uint256"},
		{"internalType":"uint256","name":"validAfter","type":"uint256"},
		{"internalType":"uint256","name":"validBefore","type":"uint256"},
		{"internalType":"bytes32","name":"nonce","type":"bytes32"},
		{"internalType":"uint8","name":"v","type":"uint8"},
		{"internalType":"bytes32","name":"r","type":"bytes32"},
		{"internalType":"bytes32","name":"s","type":"bytes32"}],
	 "name":"transferWithAuthorization","outputs":[],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"DOMAIN_SEPARATOR",
	 "outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"owner","type":"address"},
		{"internalType":"address","name":"spender","type":"address"}],
	 "name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"address","name":"spender","type":"address"},
		{"internalType":"uint256","name":"amount","type":"uint256"}],
	 "name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],
	 "stateMutability":"nonpayable","type":"function"}
]`

// routerABIJSON is the swap router subset used by the auto-rebalance task.
const routerABIJSON = `[
	{"inputs":[
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"uint256","name":"amountOutMin","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"},
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"deadline","type":"uint256"}],
	 "name":"swapExactTokensForETH",
	 "outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"}],
	 "name":"getAmountsOut",
	 "outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"WETH",
	 "outputs":[{"internalType":"address","name":"","type":"address"}],
	 "stateMutability":"view","type":"function"}
]`

// Contract bundles a deployed contract address with its parsed ABI.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded %s ABI: %v", name, err))
	}
	return parsed
}

var (
	forwarderABI  = mustParseABI("forwarder", forwarderABIJSON)
	stablecoinABI = mustParseABI("stablecoin", stablecoinABIJSON)
	routerABI     = mustParseABI("router", routerABIJSON)
)

// NewForwarderContract binds the MinimalForwarder interface at addr.
func NewForwarderContract(addr common.Address) *Contract {
	return &Contract{Name: "forwarder", Address: addr, ABI: forwarderABI}
}

// NewStablecoinContract binds the EIP-3009 stablecoin interface at addr.
func NewStablecoinContract(addr common.Address) *Contract {
	return &Contract{Name: "stablecoin", Address: addr, ABI: stablecoinABI}
}

// NewRouterContract binds the swap router interface at addr.
func NewRouterContract(addr common.Address) *Contract {
	return &Contract{Name: "router", Address: addr, ABI: routerABI}
}

// Pack encodes a method call against the contract ABI.
func (c *Contract) Pack(fn string, args ...any) ([]byte, error) {
	data, err := c.ABI.Pack(fn, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", c.Name, fn, err)
	}
	return data, nil
}

// DecodedLog is the result of matching a receipt log against a contract event.
type DecodedLog struct {
	Event string
	Args  map[string]any
}

// ParseLog decodes a receipt log against the contract's events. It returns
// nil (no error) when the log does not belong to any known event, so callers
// can scan whole receipts.
func (c *Contract) ParseLog(l *gethtypes.Log) (*DecodedLog, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}
	event, err := c.ABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, nil //nolint:nilerr // unknown event, not our log
	}
	args := make(map[string]any)
	if len(l.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(args, l.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
			return nil, fmt.Errorf("unpack %s topics: %w", event.Name, err)
		}
	}
	return &DecodedLog{Event: event.Name, Args: args}, nil
}
