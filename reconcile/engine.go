// Package reconcile merges the live transaction set of a wallet with the
// locally stored payment metadata, producing display-ready payment records
// with status, type, fee and fiat value fields. Reconciliation also keeps
// payment request funding state up to date as transactions arrive.
package reconcile

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPon/multibit-hd/ledger"
	"github.com/MarcoPon/multibit-hd/paydb"
	"github.com/MarcoPon/multibit-hd/rate"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// Localised description prefixes. Kept together so a translation layer has
// a single seam to hook into.
const (
	descByPrefix = "By: "
	descToPrefix = "To: "
)

// errNoTxInfo is an internal marker for a missing metadata record.
var errNoTxInfo = errors.New("no tx info stored")

// Config packages the collaborators of a reconciliation engine. The engine
// carries an explicit wallet handle rather than consulting any process-wide
// state, so its lifecycle is tied to wallet open/close.
type Config struct {
	// Store is the wallet's record store. The engine borrows it during
	// every read and mutates funding state as an authorized side effect.
	Store *paydb.Store

	// Wallet supplies the live transaction set.
	Wallet ledger.Wallet

	// Rates supplies the latest known exchange rate, if any.
	Rates rate.Source

	// Clock is the time source for the "dated today" subset rules. If
	// nil, the wall clock is used.
	Clock clock.Clock
}

// Engine derives the visible payment record set of one wallet.
type Engine struct {
	cfg Config

	// lastSeenMtx guards lastSeen, which may be read from a display
	// goroutine while ListAll runs elsewhere.
	lastSeenMtx sync.Mutex
	lastSeen    []*Payment
}

// NewEngine creates an engine bound to the given collaborators.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{
		cfg: cfg,
	}
}

// ListAll recomputes the full payment record set: one record per ledger
// transaction, plus one record per payment request that is not yet fully
// funded, deduplicated by identity. The result is cached as the "last seen"
// set that FilterByText operates on. This is moderately expensive, so
// callers should not invoke it indiscriminately.
func (e *Engine) ListAll() []*Payment {
	var (
		payments []*Payment
		seen     = make(map[string]struct{})
	)

	for _, tx := range e.cfg.Wallet.Transactions() {
		payment := e.adaptTransaction(tx)

		if _, ok := seen[payment.ID()]; ok {
			payment.Tx.Duplicate = true
		}
		seen[payment.ID()] = struct{}{}

		payments = append(payments, payment)
	}

	// Payment requests that have not been fully funded appear as
	// independent records alongside the transaction-backed ones. One
	// satoshi under the requested amount still counts as under-funded.
	for _, req := range e.cfg.Store.PaymentRequests() {
		if req.IsFullyFunded() {
			continue
		}

		payment := adaptPaymentRequest(req)
		if _, ok := seen[payment.ID()]; ok {
			continue
		}
		seen[payment.ID()] = struct{}{}

		payments = append(payments, payment)
	}

	log.Debugf("Reconciled %v payment record(s)", len(payments))

	e.lastSeenMtx.Lock()
	e.lastSeen = payments
	e.lastSeenMtx.Unlock()

	return payments
}

// adaptTransaction derives a single display-ready payment record from a
// ledger transaction, merging in any stored metadata and updating payment
// request funding state along the way.
func (e *Engine) adaptTransaction(tx ledger.Transaction) *Payment {
	txid := tx.Hash()
	amount := tx.Value()

	// Fiat value first: this is the point at which a transaction's
	// metadata record is born if it does not exist yet.
	fiat := e.fiatValue(txid, amount)

	conf := tx.Confidence()
	status := DeriveStatus(conf)

	var depth uint32
	conf.WhenSome(func(c ledger.Confidence) {
		if c.Level == ledger.ConfidenceBuilding {
			depth = c.Depth
		}
	})

	paymentType := derivePaymentType(amount, depth)

	// Description and funding state are computed in one pass over the
	// outputs. Keeping them fused preserves the single-iteration
	// property the sending path relies on for large transactions.
	description, outputAddrs := e.describeAndFund(
		tx, txid, paymentType, amount,
	)

	var rawSize bytes.Buffer
	size := -1
	if err := tx.Serialize(&rawSize); err == nil {
		size = rawSize.Len()
	} else {
		log.Warnf("Unable to serialize tx %v for size: %v", txid, err)
	}

	payment := &Payment{
		Kind:        KindFromTransaction,
		Date:        tx.UpdateTime(),
		Status:      status,
		Type:        paymentType,
		Amount:      amount,
		Fiat:        fiat,
		Description: description,
		Tx: &TxDetails{
			Txid:            txid,
			MinerFee:        e.lookupFee(paymentType, txid, minerFee),
			ClientFee:       e.lookupFee(paymentType, txid, clientFee),
			IsCoinbase:      tx.IsCoinbase(),
			OutputAddresses: outputAddrs,
			RawTx:           tx.RawString(),
			Size:            size,
		},
	}

	// A stored note overrides the derived description for display.
	e.cfg.Store.TxInfo(txid).WhenSome(func(info *paydb.TxInfo) {
		payment.Note = info.Note
		if info.Note != "" {
			payment.Description = info.Note
		}
	})

	return payment
}

// adaptPaymentRequest derives the independent record of an under-funded
// payment request.
func adaptPaymentRequest(req *paydb.PaymentRequest) *Payment {
	paymentType := TypeRequested
	if req.PaidAmount > 0 {
		paymentType = TypePartPaid
	}

	description := req.Label
	if description == "" {
		description = descByPrefix + req.Address
	}

	return &Payment{
		Kind:        KindFromRequest,
		Date:        req.CreatedAt,
		Status:      Status{RAG: StatusAmber, Reason: ReasonRequested},
		Type:        paymentType,
		Amount:      req.Amount,
		Description: description,
		Note:        req.Note,
		Request: &RequestDetails{
			Address:         req.Address,
			Label:           req.Label,
			RequestedAmount: req.Amount,
			PaidAmount:      req.PaidAmount,
		},
	}
}

// describeAndFund builds the description of a transaction and, for incoming
// transactions, records funding against any payment request targeted by a
// wallet output. Funding is idempotent per transaction hash: re-processing
// a transaction never double-counts. Both the description text and the full
// output address list fall out of the same pass.
func (e *Engine) describeAndFund(tx ledger.Transaction, txid chainhash.Hash,
	paymentType PaymentType, amount btcutil.Amount) (string, []string) {

	var (
		outputAddrs []string
		outgoing    = paymentType == TypeSending ||
			paymentType == TypeSent
	)

	var descParts, mineAddrs []string
	for _, output := range tx.Outputs() {
		addr, err := output.Address()
		if err != nil {
			log.Debugf("Skipping non-standard output of %v: %v",
				txid, err)

			continue
		}
		addrStr := addr.String()
		outputAddrs = append(outputAddrs, addrStr)

		if outgoing || !output.IsMine() {
			continue
		}

		mineAddrs = append(mineAddrs, addrStr)

		// A wallet output may pay towards an outstanding request.
		reqOpt := e.cfg.Store.PaymentRequest(addrStr)
		reqOpt.WhenSome(func(req *paydb.PaymentRequest) {
			if req.AddFunding(txid, amount) {
				log.Debugf("Tx %v funds request %v with %v",
					txid, addrStr, amount)
			}

			if req.Label != "" {
				descParts = append(descParts, req.Label)
			}
			if req.Note != "" {
				descParts = append(descParts, req.Note)
			}
		})
	}

	if outgoing {
		return descToPrefix + strings.Join(outputAddrs, " "),
			outputAddrs
	}

	if len(descParts) > 0 {
		return strings.Join(descParts, " "), outputAddrs
	}

	return descByPrefix + strings.Join(mineAddrs, " "), outputAddrs
}

// feeKind selects which of the two recorded fees to look up.
type feeKind uint8

const (
	minerFee feeKind = iota
	clientFee
)

// lookupFee retrieves a recorded fee for outgoing transactions. Fees are
// never computed here, only retrieved from previously stored metadata, and
// they are meaningless for incoming transactions.
func (e *Engine) lookupFee(paymentType PaymentType, txid chainhash.Hash,
	kind feeKind) fn.Option[btcutil.Amount] {

	if paymentType != TypeSending && paymentType != TypeSent {
		return fn.None[btcutil.Amount]()
	}

	return fn.FlattenOption(fn.MapOption(
		func(info *paydb.TxInfo) fn.Option[btcutil.Amount] {
			if kind == minerFee {
				return info.MinerFee
			}

			return info.ClientFee
		},
	)(e.cfg.Store.TxInfo(txid)))
}

// fiatValue returns the fiat snapshot for a transaction. A stored snapshot
// wins, frozen at the rate recorded when the transaction was first
// observed. Otherwise the value is computed from the current exchange rate
// and cached into a newly created metadata record: the first fiat lookup is
// the point at which a transaction's metadata record is born.
func (e *Engine) fiatValue(txid chainhash.Hash,
	amount btcutil.Amount) paydb.FiatPayment {

	info, err := e.cfg.Store.TxInfo(txid).UnwrapOrErr(errNoTxInfo)
	if err == nil {
		return info.Fiat
	}

	fiat := e.currentFiatPayment(amount)

	e.cfg.Store.AddTxInfo(&paydb.TxInfo{
		Txid: txid,
		Fiat: fiat,
	})

	log.Debugf("Created tx info for %v with fiat snapshot", txid)

	return fiat
}

// currentFiatPayment values an amount under the latest known exchange rate.
// With no rate observed yet, all fiat fields stay absent, which is a valid
// state rather than an error.
func (e *Engine) currentFiatPayment(
	amount btcutil.Amount) paydb.FiatPayment {

	fiat := paydb.FiatPayment{
		ExchangeName: fn.None[string](),
		Rate:         fn.None[decimal.Decimal](),
		Amount:       fn.None[decimal.Decimal](),
	}

	e.cfg.Rates.LatestQuote().WhenSome(func(quote rate.Quote) {
		fiat.ExchangeName = fn.Some(quote.ExchangeName)
		fiat.Rate = fn.Some(quote.Rate)
		fiat.Amount = fn.Some(quote.FiatValue(amount))
	})

	return fiat
}

// OnTransactionSeen ensures a metadata record with a fiat snapshot exists
// as soon as the network first reports a transaction, so the rate in effect
// at observation time is the one that sticks.
func (e *Engine) OnTransactionSeen(txid chainhash.Hash,
	amount btcutil.Amount) {

	if e.cfg.Store.TxInfo(txid).IsSome() {
		return
	}

	e.cfg.Store.AddTxInfo(&paydb.TxInfo{
		Txid: txid,
		Fiat: e.currentFiatPayment(amount),
	})

	log.Debugf("Created tx info for newly seen tx %v", txid)
}

// FindFundedRequests returns the payment requests that are partially or
// fully funded by a transaction paying to the given output addresses.
func (e *Engine) FindFundedRequests(
	outputAddresses []string) []*paydb.PaymentRequest {

	var reqs []*paydb.PaymentRequest
	for _, addr := range outputAddresses {
		e.cfg.Store.PaymentRequest(addr).WhenSome(
			func(req *paydb.PaymentRequest) {
				reqs = append(reqs, req)
			},
		)
	}

	return reqs
}
