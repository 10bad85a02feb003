// Package rate defines the exchange-rate collaborator contract. Rate
// retrieval itself is out of scope; consumers only ever ask for the latest
// known quote, and "no quote yet" is a valid, non-error state.
package rate

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// Quote is a point-in-time fiat valuation of one bitcoin, together with its
// provenance.
type Quote struct {
	// ExchangeName identifies the exchange the rate came from.
	ExchangeName string

	// Rate is the fiat value of one whole bitcoin.
	Rate decimal.Decimal
}

// FiatValue converts a satoshi amount to its fiat value under the quote.
func (q Quote) FiatValue(amount btcutil.Amount) decimal.Decimal {
	btc := decimal.New(int64(amount), 0).
		Div(decimal.New(btcutil.SatoshiPerBitcoin, 0))

	return q.Rate.Mul(btc)
}

// Source exposes the most recent quote known to the rate collaborator.
type Source interface {
	// LatestQuote returns the latest known quote, or fn.None if no rate
	// has been observed yet.
	LatestQuote() fn.Option[Quote]
}

// StaticSource is a Source whose quote is set explicitly. It backs tests and
// hosts that push rate updates from their own ticker feed.
type StaticSource struct {
	mtx   sync.RWMutex
	quote fn.Option[Quote]
}

// NewStaticSource returns a source with no quote observed yet.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		quote: fn.None[Quote](),
	}
}

// SetQuote replaces the current quote.
func (s *StaticSource) SetQuote(q Quote) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.quote = fn.Some(q)
}

// Clear forgets the current quote.
func (s *StaticSource) Clear() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.quote = fn.None[Quote]()
}

// LatestQuote returns the latest known quote.
func (s *StaticSource) LatestQuote() fn.Option[Quote] {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.quote
}
