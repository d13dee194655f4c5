package engine

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// SymbolMeta is the quote/base split and last observed mark for one
// trading symbol, e.g. "BTCUSDT" -> base "BTC", quote "USDT".
type SymbolMeta struct {
	Symbol string
	Base   string
	Quote  string
	Mark   decimal.Decimal
}

// symbolRegistry tracks per-symbol metadata the reservation math and risk
// checks need (base/quote asset split, last observed mark price).
type symbolRegistry struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolMeta
}

func newSymbolRegistry() *symbolRegistry {
	return &symbolRegistry{symbols: make(map[string]*SymbolMeta)}
}

// register ensures symbol has an entry, inferring base/quote from a
// trailing known quote asset (USDT, USDC, BUSD, USD) if not already registered.
func (r *symbolRegistry) register(symbol string) *SymbolMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.symbols[symbol]; ok {
		return m
	}
	base, quote := splitSymbol(symbol)
	m := &SymbolMeta{Symbol: symbol, Base: base, Quote: quote}
	r.symbols[symbol] = m
	return m
}

// updateMark records the latest observed mark price for symbol.
func (r *symbolRegistry) updateMark(symbol string, price decimal.Decimal) {
	m := r.register(symbol)
	r.mu.Lock()
	m.Mark = price
	r.mu.Unlock()
}

// get returns the metadata for symbol, registering it if unseen.
func (r *symbolRegistry) get(symbol string) *SymbolMeta {
	r.mu.RLock()
	m, ok := r.symbols[symbol]
	r.mu.RUnlock()
	if ok {
		return m
	}
	return r.register(symbol)
}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD"}

// splitSymbol infers base/quote from a concatenated symbol like "BTCUSDT"
// by matching a known quote asset suffix; unrecognized symbols keep the
// whole string as base with an empty quote.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, ""
}
