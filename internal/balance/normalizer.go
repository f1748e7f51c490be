// Package balance implements the Balance Normalizer (spec.md §4.3): it
// converts heterogeneous upstream balance shapes into the canonical,
// cents-valued model.Balance downstream clients receive.
package balance

import (
	"log/slog"
	"math"

	"github.com/rickgao/tradeproxy/internal/model"
)

// Upstream type codes observed in the corpus for the two account flavors.
const (
	typeCodeDemo = 4
	typeCodeReal = 1
)

// record is one upstream balance entry. Amount is left untyped because
// upstream sends it either as a decimal or as an integer; every field is
// read from a single JSON key, and alternative key names are not recognized.
type record struct {
	ID       string  `json:"id"`
	Amount   any     `json:"amount"`
	Currency string  `json:"currency"`
	Type     int     `json:"type"`
	IsDemo   *bool   `json:"is_demo"`
}

// Normalizer selects and converts a balance record to canonical form.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Balance Normalizer. A nil logger defaults to slog.Default().
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// NormalizeSingle handles an upstream "balance-changed" frame: exactly one record.
func (n *Normalizer) NormalizeSingle(raw map[string]any, flavor model.AccountFlavor) (model.Balance, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return model.Balance{}, err
	}
	return n.toCanonical(rec, flavor), nil
}

// NormalizeMany handles an upstream "balances" frame: an array of records,
// selecting the one that matches the requested account flavor per spec.md §4.3.
func (n *Normalizer) NormalizeMany(raws []map[string]any, flavor model.AccountFlavor) (model.Balance, error) {
	records := make([]record, 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return model.Balance{}, errNoRecords
	}

	rec := n.selectRecord(records, flavor)
	return n.toCanonical(rec, flavor), nil
}

// selectRecord picks the record matching flavor. The type code is
// authoritative and scanned across the whole slice first, so an untyped
// record earlier in the array can never shadow a correctly-typed record
// later in it; only when no record carries the matching type code does it
// fall back to the explicit is_demo flag (spec.md §4.3).
func (n *Normalizer) selectRecord(records []record, flavor model.AccountFlavor) record {
	wantType := typeCodeReal
	if flavor == model.FlavorDemo {
		wantType = typeCodeDemo
	}
	for _, r := range records {
		if r.Type == wantType {
			return r
		}
	}

	for _, r := range records {
		if r.IsDemo == nil {
			continue
		}
		if flavor == model.FlavorDemo && *r.IsDemo {
			return r
		}
		if flavor == model.FlavorReal && !*r.IsDemo {
			return r
		}
	}

	// Fallback: first USD record, else the first record at all. Per
	// spec.md §4.3 this is a Heuristic-Ambiguous condition — log and proceed,
	// never fail the request.
	for _, r := range records {
		if r.Currency == "USD" {
			n.logger.Warn("balance flavor not matched, falling back to first USD record",
				"flavor", flavor, "balance_id", r.ID)
			return r
		}
	}
	n.logger.Warn("balance flavor not matched, falling back to first record",
		"flavor", flavor, "balance_id", records[0].ID)
	return records[0]
}

func (n *Normalizer) toCanonical(r record, flavor model.AccountFlavor) model.Balance {
	return model.Balance{
		BalanceID:     r.ID,
		AmountCents:   toCents(r.Amount),
		Currency:      r.Currency,
		AccountFlavor: flavor,
	}
}

// toCents implements spec.md §4.3's amount conversion heuristic:
//   - non-integer numbers are already in major units: ×100, round to nearest
//   - integers greater than 100,000 are already in minor units: pass through
//   - otherwise, treat as major units: ×100
//
// Normalizing an amount already in cents is idempotent: an integer above
// the 100,000 threshold round-trips unchanged.
func toCents(amount any) int64 {
	f, ok := asFloat(amount)
	if !ok {
		return 0
	}

	if f != math.Trunc(f) {
		return int64(math.Round(f * 100))
	}

	if int64(f) > 100000 {
		return int64(f)
	}

	return int64(math.Round(f * 100))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
