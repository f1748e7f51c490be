// Package order implements the Order Builder (spec.md §4.4): it constructs
// upstream OrderEnvelopes from downstream open-position requests, aligning
// timeframes to option kind and expiry, and validates before transmission.
package order

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tradeproxy/internal/model"
)

// ErrBadOrder is returned when a request fails validation (spec.md §7).
var ErrBadOrder = errors.New("bad order")

// Timeframe selects the option kind and expiry alignment (spec.md §4.4).
type Timeframe string

const (
	TimeframeM1     Timeframe = "M1"
	TimeframeM5     Timeframe = "M5"
	TimeframeM15    Timeframe = "M15"
	TimeframeCustom Timeframe = "custom"
)

const (
	optionKindM1     = 3
	optionKindM5     = 12
	optionKindM15    = 13
	optionKindCustom = 3

	defaultProfitPercent = 88
	defaultRefundValue   = 0
)

// Request is a downstream open-position command, already shape-checked by
// the Session Mediator but not yet validated against business rules.
type Request struct {
	Direction      model.Direction
	Stake          float64 // major units, decimal
	Asset          any     // name, id, or nil (fall back to session's current asset)
	Timeframe      Timeframe
	CustomSeconds  int64
	PriceScaled    int // 0 => use Builder's configured default
	ProfitPercent  int // 0 => defaultProfitPercent
	RefundValue    int
}

// SessionContext supplies the per-session state the builder needs but does
// not own: the cached balance id and the currently subscribed asset, used
// as fallbacks when the request omits them.
type SessionContext struct {
	UserBalanceID    string
	CurrentActiveID  int
	HasCurrentActive bool
}

// AssetResolver resolves a polymorphic asset reference to a numeric id.
// Satisfied by assetregistry.Registry's Resolve method.
type AssetResolver interface {
	Resolve(payload any) (id int, err error)
}

// Builder constructs OrderEnvelopes. DefaultPriceScaled is the opaque,
// protocol-level scale factor spec.md §9 leaves undocumented — this
// repository passes it through unchanged rather than interpreting it.
type Builder struct {
	assets              AssetResolver
	defaultPriceScaled  int
	now                 func() time.Time
}

// NewBuilder creates an Order Builder.
func NewBuilder(assets AssetResolver, defaultPriceScaled int) *Builder {
	return &Builder{
		assets:             assets,
		defaultPriceScaled: defaultPriceScaled,
		now:                time.Now,
	}
}

// Build validates req against sess and, on success, returns a fresh
// OrderEnvelope. Two calls with identical inputs differ only in RequestID
// and LocalTime, per spec.md §8's round-trip law.
func (b *Builder) Build(req Request, sess SessionContext) (model.OrderEnvelope, error) {
	if sess.UserBalanceID == "" {
		return model.OrderEnvelope{}, fmt.Errorf("%w: no balance id on session", ErrBadOrder)
	}
	if req.Direction != model.DirectionCall && req.Direction != model.DirectionPut {
		return model.OrderEnvelope{}, fmt.Errorf("%w: direction must be call or put, got %q", ErrBadOrder, req.Direction)
	}
	if req.Stake <= 0 {
		return model.OrderEnvelope{}, fmt.Errorf("%w: stake must be > 0, got %v", ErrBadOrder, req.Stake)
	}

	activeID, err := b.resolveActive(req, sess)
	if err != nil {
		return model.OrderEnvelope{}, err
	}

	optionKind, expiry, err := alignExpiry(req.Timeframe, req.CustomSeconds, b.now())
	if err != nil {
		return model.OrderEnvelope{}, err
	}

	priceScaled := req.PriceScaled
	if priceScaled == 0 {
		priceScaled = b.defaultPriceScaled
	}
	profitPercent := req.ProfitPercent
	if profitPercent == 0 {
		profitPercent = defaultProfitPercent
	}

	return model.OrderEnvelope{
		RequestID:     uuid.NewString(),
		LocalTime:     b.now().UnixMilli(),
		UserBalanceID: sess.UserBalanceID,
		ActiveID:      activeID,
		OptionKind:    optionKind,
		Direction:     req.Direction,
		ExpiryUnix:    expiry,
		PriceScaled:   priceScaled,
		ValueCents:    int64(math.Round(req.Stake * 100)),
		ProfitPercent: profitPercent,
		RefundValue:   req.RefundValue,
	}, nil
}

func (b *Builder) resolveActive(req Request, sess SessionContext) (int, error) {
	if req.Asset != nil {
		id, err := b.assets.Resolve(req.Asset)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadOrder, err)
		}
		return id, nil
	}
	if sess.HasCurrentActive {
		return sess.CurrentActiveID, nil
	}
	return 0, fmt.Errorf("%w: no asset in request and no subscribed asset on session", ErrBadOrder)
}

// alignExpiry implements the timeframe → (option_kind, expiry_unix) table
// in spec.md §4.4.
func alignExpiry(tf Timeframe, customSeconds int64, now time.Time) (optionKind int, expiryUnix int64, err error) {
	nowS := now.Unix()

	switch tf {
	case TimeframeM1:
		return optionKindM1, ceilTo(nowS, 60), nil
	case TimeframeM5:
		return optionKindM5, ceilTo(nowS, 300), nil
	case TimeframeM15:
		return optionKindM15, ceilTo(nowS, 900), nil
	case TimeframeCustom:
		return optionKindCustom, nowS + customSeconds, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown timeframe %q", ErrBadOrder, tf)
	}
}

// ceilTo rounds s up to the next multiple of unit seconds.
func ceilTo(s int64, unit int64) int64 {
	return ((s + unit - 1) / unit) * unit
}
