package paydb

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// PaymentRequest is a single outstanding (or settled) request for payment to
// a receiving address owned by the wallet. The address is the unique key of
// the record. Requests are never purged automatically; they remain until the
// user deletes them explicitly.
type PaymentRequest struct {
	// Address is the receiving address the request was generated for.
	Address string

	// Amount is the requested amount.
	Amount btcutil.Amount

	// PaidAmount is the total paid towards the request so far. It only
	// ever grows, one funding transaction at a time.
	PaidAmount btcutil.Amount

	// Label is the short user supplied label, typically shown in the QR
	// code.
	Label string

	// Note is the free-form user note.
	Note string

	// FundingTxids is the set of transactions that have paid towards
	// the request. Append-only and deduplicated.
	FundingTxids []chainhash.Hash

	// CreatedAt is the time the request was generated.
	CreatedAt time.Time
}

// IsFullyFunded reports whether the request has been paid in full.
func (r *PaymentRequest) IsFullyFunded() bool {
	return r.PaidAmount >= r.Amount
}

// IsFundedBy reports whether the given transaction has already been counted
// towards the paid amount.
func (r *PaymentRequest) IsFundedBy(txid chainhash.Hash) bool {
	for _, knownTxid := range r.FundingTxids {
		if knownTxid == txid {
			return true
		}
	}

	return false
}

// AddFunding records that txid pays amount towards the request. Re-adding a
// known transaction is a no-op, which makes reconciliation idempotent per
// transaction hash. The return value reports whether the paid amount
// changed.
func (r *PaymentRequest) AddFunding(txid chainhash.Hash,
	amount btcutil.Amount) bool {

	if r.IsFundedBy(txid) {
		return false
	}

	r.FundingTxids = append(r.FundingTxids, txid)
	r.PaidAmount += amount

	return true
}

// Copy returns a deep copy of the request.
func (r *PaymentRequest) Copy() *PaymentRequest {
	cp := *r
	cp.FundingTxids = make([]chainhash.Hash, len(r.FundingTxids))
	copy(cp.FundingTxids, r.FundingTxids)

	return &cp
}

// FiatPayment is a snapshot of a transaction's value in a reference
// currency, frozen at the rate in effect when the transaction was first
// observed. Every field may legitimately be absent: a wallet that has never
// seen an exchange rate simply carries empty fiat data.
type FiatPayment struct {
	// ExchangeName identifies the exchange the rate came from.
	ExchangeName fn.Option[string]

	// Rate is the fiat value of one bitcoin at snapshot time.
	Rate fn.Option[decimal.Decimal]

	// Amount is the fiat value of the transaction.
	Amount fn.Option[decimal.Decimal]
}

// TxInfo carries the locally stored metadata of a single wallet
// transaction, keyed by transaction hash. Records are created lazily the
// first time a transaction's fiat value is needed and are never deleted, as
// they form the wallet's financial audit trail.
type TxInfo struct {
	// Txid is the transaction hash.
	Txid chainhash.Hash

	// Fiat is the frozen fiat snapshot of the transaction.
	Fiat FiatPayment

	// Note is the free-form user note. A non-empty note overrides the
	// derived description at display time.
	Note string

	// MinerFee is the miner fee attached to the transaction, if the
	// sender recorded one.
	MinerFee fn.Option[btcutil.Amount]

	// ClientFee is the client service fee attached to the transaction,
	// if the sender recorded one.
	ClientFee fn.Option[btcutil.Amount]
}

// Copy returns a copy of the tx info.
func (t *TxInfo) Copy() *TxInfo {
	cp := *t

	return &cp
}

// Container is the unit of persistence: the full set of payment requests
// and transaction metadata of one wallet, plus the last used receiving
// address index. It round-trips through the codec losslessly except for
// collection ordering.
type Container struct {
	// LastAddressIndex is the highest deterministic address derivation
	// index handed out so far. Monotonic.
	LastAddressIndex uint32

	// Requests is the full payment request collection.
	Requests []*PaymentRequest

	// TxInfos is the full transaction metadata collection.
	TxInfos []*TxInfo
}
