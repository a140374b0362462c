package ledger

import (
	"cmp"
	"slices"

	"github.com/vnmchuo/tokenspy/internal/usage"
)

// Share is the cost attributed to one group key.
type Share struct {
	Key     string  `json:"key"`
	CostUSD float64 `json:"cost_usd"`
}

// Summary is a snapshot of the ledger's totals and breakdowns.
type Summary struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCalls   int     `json:"total_calls"`
	ByFunction   []Share `json:"by_function"`
	ByModel      []Share `json:"by_model"`
}

func (l *Ledger) TotalCost() float64 {
	return TotalCost(l.Records())
}

func (l *Ledger) TotalTokens() int {
	return TotalTokens(l.Records())
}

func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// CostBy groups cost by key, highest first. Equal costs are ordered by key.
func (l *Ledger) CostBy(key func(usage.Record) string) []Share {
	return CostBy(l.Records(), key)
}

func (l *Ledger) CostByFunction() []Share {
	return l.CostBy(ByFunction)
}

func (l *Ledger) CostByModel() []Share {
	return l.CostBy(ByModel)
}

func (l *Ledger) Summary() Summary {
	return Summarize(l.Records())
}

func ByFunction(rec usage.Record) string { return rec.Unit }

func ByModel(rec usage.Record) string { return rec.Model }

func ByRevision(rec usage.Record) string { return rec.Revision }

func TotalCost(records []usage.Record) float64 {
	var total float64
	for _, rec := range records {
		total += rec.CostUSD
	}
	return total
}

func TotalTokens(records []usage.Record) int {
	var total int
	for _, rec := range records {
		total += rec.TotalTokens()
	}
	return total
}

func CostBy(records []usage.Record, key func(usage.Record) string) []Share {
	totals := make(map[string]float64)
	for _, rec := range records {
		totals[key(rec)] += rec.CostUSD
	}

	shares := make([]Share, 0, len(totals))
	for k, cost := range totals {
		shares = append(shares, Share{Key: k, CostUSD: cost})
	}
	slices.SortFunc(shares, func(a, b Share) int {
		if c := cmp.Compare(b.CostUSD, a.CostUSD); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return shares
}

func Summarize(records []usage.Record) Summary {
	return Summary{
		TotalCostUSD: TotalCost(records),
		TotalTokens:  TotalTokens(records),
		TotalCalls:   len(records),
		ByFunction:   CostBy(records, ByFunction),
		ByModel:      CostBy(records, ByModel),
	}
}
