package oracle

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotSupported       = errors.New("oracle: asset not supported")
	ErrInvalidParameter   = errors.New("oracle: invalid parameter")
	ErrUnauthorized       = errors.New("oracle: unauthorized")
	ErrErrorCodeFlagged   = errors.New("oracle: error code flagged")
	ErrAdaptorNotApproved = errors.New("oracle: adaptor not approved")
	ErrDuplicateFeed      = errors.New("oracle: feed already registered")
	ErrFeedLimit          = errors.New("oracle: asset already has two feeds")
)

// ErrorCode grades the quality of a returned price. Callers decide policy from
// it; a data-quality problem is never reported as an error.
type ErrorCode uint8

const (
	NoError   ErrorCode = 0
	Caution   ErrorCode = 1
	BadSource ErrorCode = 2
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "ok"
	case Caution:
		return "caution"
	case BadSource:
		return "bad_source"
	default:
		return "unknown"
	}
}

// MaxFeedsPerAsset bounds the feeds attached to one asset (single and dual slot).
const MaxFeedsPerAsset = 2

// PriceResult is what an adaptor reports for one asset. Price is a 1e18
// fixed-point value denominated in USD when InUSD is set and in ETH otherwise.
type PriceResult struct {
	Price    *uint256.Int
	InUSD    bool
	HadError bool
}

// Adaptor is an external price source. A returned error, HadError, or a
// nil/zero price all exclude the feed from aggregation.
type Adaptor interface {
	GetPrice(ctx context.Context, asset common.Address, inUSD, getLower bool) (PriceResult, error)
	IsSupportedAsset(asset common.Address) bool
}

// Quote is the aggregated answer for one asset.
type Quote struct {
	Price     *uint256.Int
	ErrorCode ErrorCode
}

// FeedPrice is one feed's answer after denomination conversion.
type FeedPrice struct {
	Adaptor  common.Address
	Price    *uint256.Int
	InUSD    bool
	HadError bool
}

// AccountSnapshot is a market token's view of one account.
type AccountSnapshot struct {
	Asset        common.Address
	Underlying   common.Address
	Decimals     uint8
	IsCollateral bool
	Balance      *uint256.Int
	Debt         *uint256.Int
	ExchangeRate *uint256.Int
}

// MarketToken exposes the account state a market needs priced.
type MarketToken interface {
	AccountSnapshot(ctx context.Context, account common.Address) (AccountSnapshot, error)
}

type permissions interface {
	HasDaoPermissions(addr common.Address) bool
	HasElevatedPermissions(addr common.Address) bool
}
