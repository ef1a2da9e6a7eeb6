package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"contextengine/internal/logger"
)

// SymbolMetadata is the resolved quantization metadata for one symbol
// (spec §4.B).
type SymbolMetadata struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
	Source   string // "exchange" or "config_fallback"
}

type rawExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// FetchSymbolMetadata resolves tick size, step size, and minimum order
// quantity for symbol via a single, non-retried request to the exchange's
// public exchange-info endpoint (spec §4.B: "never retried — on failure,
// fall back to config.ProfileTickSize and proceed").
func (c *Client) FetchSymbolMetadata(ctx context.Context, symbol string) (SymbolMetadata, error) {
	u := c.cfg.ExchangeRESTBase + "/fapi/v1/exchangeInfo"

	var info rawExchangeInfo
	status, body, err := c.doOnce(ctx, u)
	if err != nil {
		return SymbolMetadata{}, fmt.Errorf("exchange metadata: %w", err)
	}
	if status != 200 {
		return SymbolMetadata{}, fmt.Errorf("exchange metadata: HTTP %d: %s", status, truncate(body, 200))
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return SymbolMetadata{}, fmt.Errorf("exchange metadata: decode: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		m := SymbolMetadata{Symbol: symbol, Source: "exchange"}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if d, err := decimal.NewFromString(f.TickSize); err == nil {
					m.TickSize = d
				}
			case "LOT_SIZE":
				if d, err := decimal.NewFromString(f.StepSize); err == nil {
					m.StepSize = d
				}
				if d, err := decimal.NewFromString(f.MinQty); err == nil {
					m.MinQty = d
				}
			}
		}
		if m.TickSize.IsZero() {
			return SymbolMetadata{}, fmt.Errorf("exchange metadata: no PRICE_FILTER for %s", symbol)
		}
		return m, nil
	}
	return SymbolMetadata{}, fmt.Errorf("exchange metadata: symbol %s not found", symbol)
}

// ResolveSymbolMetadata wraps FetchSymbolMetadata with the config fallback
// and logging the spec requires: a failed fetch is a warning, not fatal.
func (c *Client) ResolveSymbolMetadata(ctx context.Context, symbol string, fallbackTick decimal.Decimal) SymbolMetadata {
	m, err := c.FetchSymbolMetadata(ctx, symbol)
	if err != nil {
		logger.Warn("Exchange", fmt.Sprintf("metadata fetch failed for %s, falling back to configured tick size: %v", symbol, err))
		return SymbolMetadata{Symbol: symbol, TickSize: fallbackTick, Source: "config_fallback"}
	}
	return m
}
