package usage

import (
	"github.com/costlens/meter-sdk-go/pricing"
	"github.com/costlens/meter-sdk-go/provider"
)

// Cost prices a usage tuple against the table:
//
//	cost = input*in_rate + output*out_rate + cached*in_rate*cache_discount
//
// with rates per 1k tokens. The second return is false when the
// (provider, model) pair is not priced; the cost is then zero and the caller
// records pricing_unknown. Unknown cost is a zero-priced, logged fact, not
// an error.
func Cost(tbl *pricing.Table, p provider.Provider, model string, u Usage) (float64, bool) {
	price, ok := tbl.Lookup(p, model)
	if !ok {
		return 0, false
	}
	cost := float64(u.InputTokens)/1000*price.InputPer1K +
		float64(u.OutputTokens)/1000*price.OutputPer1K
	if u.CachedTokens != nil {
		cost += float64(*u.CachedTokens) / 1000 * price.InputPer1K * price.CacheDiscount
	}
	if cost < 0 {
		cost = 0
	}
	return cost, true
}
