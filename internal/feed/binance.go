// Package feed implements the minimal external price collaborator spec.md
// §1 treats as out of scope for the engine core itself: it only needs to
// turn MarketEvents into UpdateMark calls on the Event Loop. Polling
// mechanics here are adapted from the teacher's feeds/binance.go.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

const binanceTickerURL = "https://api.binance.com/api/v3/ticker/price"

// Ingestor is the narrow capability the feed needs from Engine State: apply
// an observed mark price. *engine.State satisfies this.
type Ingestor interface {
	UpdateMark(symbol string, price decimal.Decimal)
}

// BinanceFeed polls Binance's ticker endpoint for a fixed symbol set and
// posts the resulting MarketEvents onto the Event Loop at Normal priority,
// below command traffic and above the Low-priority periodic checkpoint.
type BinanceFeed struct {
	rt       *runtime.Runtime
	loop     *eventloop.Loop
	target   Ingestor
	symbols  []string
	interval time.Duration
	http     *http.Client
	stopCh   chan struct{}
}

// NewBinanceFeed builds a feed for symbols, polling at interval.
func NewBinanceFeed(rt *runtime.Runtime, loop *eventloop.Loop, target Ingestor, symbols []string, interval time.Duration) *BinanceFeed {
	return &BinanceFeed{
		rt:       rt,
		loop:     loop,
		target:   target,
		symbols:  symbols,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (f *BinanceFeed) Start() {
	go f.pollLoop()
}

// Stop halts polling.
func (f *BinanceFeed) Stop() {
	close(f.stopCh)
}

func (f *BinanceFeed) pollLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.fetchAll()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.fetchAll()
		}
	}
}

func (f *BinanceFeed) fetchAll() {
	for _, symbol := range f.symbols {
		price, err := f.fetchPrice(symbol)
		if err != nil {
			f.rt.Log.Debug().Err(err).Str("symbol", symbol).Msg("feed: binance fetch failed")
			continue
		}
		evt := types.MarketEvent{
			Kind:   types.MarketEventTicker,
			Symbol: symbol,
			Price:  price,
			TsNs:   f.rt.Clock.NowNs(),
		}
		f.loop.Post(func() error {
			f.target.UpdateMark(evt.Symbol, evt.Mark())
			return nil
		}, eventloop.Normal, "feed:binance", "symbol:"+symbol)
	}
}

func (f *BinanceFeed) fetchPrice(symbol string) (decimal.Decimal, error) {
	resp, err := f.http.Get(fmt.Sprintf("%s?symbol=%s", binanceTickerURL, symbol))
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}
