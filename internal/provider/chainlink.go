package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"openbloom-market/internal/market"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// DefaultChainlinkFeeds are the Ethereum mainnet USD aggregators.
var DefaultChainlinkFeeds = map[string]string{
	"BTC-USD": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
	"ETH-USD": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
	"SOL-USD": "0x4ffC43a60e009B551865A93d232E33Fce9f01507",
}

// ContractCaller is the subset of ethclient.Client the feed reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkSource reads on-chain price feeds. Feeds report no daily change.
type ChainlinkSource struct {
	rpcURL string
	feeds  map[string]common.Address

	mu       sync.Mutex
	caller   ContractCaller
	decimals map[common.Address]int32
}

// NewChainlink returns a feed reader for rpcURL. It reports disabled when no
// RPC URL is configured.
func NewChainlink(rpcURL string, feeds map[string]string) *ChainlinkSource {
	if len(feeds) == 0 {
		feeds = DefaultChainlinkFeeds
	}
	addrs := make(map[string]common.Address, len(feeds))
	for sym, hex := range feeds {
		addrs[sym] = common.HexToAddress(hex)
	}
	return &ChainlinkSource{
		rpcURL:   strings.TrimSpace(rpcURL),
		feeds:    addrs,
		decimals: map[common.Address]int32{},
	}
}

// NewChainlinkWithCaller injects a caller, bypassing dialing.
func NewChainlinkWithCaller(caller ContractCaller, feeds map[string]string) *ChainlinkSource {
	c := NewChainlink("injected", feeds)
	c.caller = caller
	return c
}

func (c *ChainlinkSource) ID() string { return "chainlink" }

// Disabled implements Disabler.
func (c *ChainlinkSource) Disabled() (bool, string) {
	if c.rpcURL == "" {
		return true, "ethereum rpc url not configured"
	}
	return false, ""
}

// Fetch reads latestRoundData for every mapped target. The endpoint argument
// is unused; the RPC URL is fixed at construction.
func (c *ChainlinkSource) Fetch(ctx context.Context, _ string, targets []market.Target) ([]market.Quote, error) {
	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, newError(KindHTTP, "chainlink", err)
	}

	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		addr, ok := c.feeds[t.Symbol]
		if !ok {
			continue
		}
		price, updatedAt, err := c.readFeed(ctx, caller, addr)
		if err != nil {
			return nil, err
		}
		f, _ := price.Float64()
		out = append(out, market.Quote{
			Symbol:        t.Symbol,
			DisplaySymbol: market.DisplaySymbol(t.Symbol),
			Name:          t.Name,
			Price:         f,
			Currency:      t.Currency,
			Source:        "chainlink",
			AsOf:          updatedAt,
		})
	}
	return out, nil
}

func (c *ChainlinkSource) readFeed(ctx context.Context, caller ContractCaller, addr common.Address) (decimal.Decimal, time.Time, error) {
	dec, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, parseError("chainlink", "pack: %v", err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, rpcError(ctx, err)
	}
	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, parseError("chainlink", "unpack: %v", err)
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, time.Time{}, parseError("chainlink", "unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return decimal.Decimal{}, time.Time{}, parseError("chainlink", "invalid answer for %s", addr.Hex())
	}
	updated, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, parseError("chainlink", "invalid updatedAt for %s", addr.Hex())
	}
	return decimal.NewFromBigInt(answer, -dec), time.Unix(updated.Int64(), 0).UTC(), nil
}

func (c *ChainlinkSource) feedDecimals(ctx context.Context, caller ContractCaller, addr common.Address) (int32, error) {
	c.mu.Lock()
	dec, ok := c.decimals[addr]
	c.mu.Unlock()
	if ok {
		return dec, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, parseError("chainlink", "pack: %v", err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, rpcError(ctx, err)
	}
	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil || len(outputs) != 1 {
		return 0, parseError("chainlink", "decode decimals for %s", addr.Hex())
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, parseError("chainlink", "decimals type %T", outputs[0])
	}

	c.mu.Lock()
	c.decimals[addr] = int32(d)
	c.mu.Unlock()
	return int32(d), nil
}

func (c *ChainlinkSource) getCaller(ctx context.Context) (ContractCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.rpcURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.caller = client
	return client, nil
}

func rpcError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, "chainlink", err)
	}
	return newError(KindHTTP, "chainlink", err)
}
