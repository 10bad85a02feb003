package reconcile

import (
	"time"

	"github.com/MarcoPon/multibit-hd/ledger"
	"github.com/MarcoPon/multibit-hd/paydb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// RAGStatus is the coarse red/amber/green severity of a payment's status.
type RAGStatus uint8

const (
	// StatusRed marks dead, rejected or un-broadcast transactions.
	StatusRed RAGStatus = iota

	// StatusAmber marks transactions seen by the network but not yet
	// confirmed, and anything whose settlement state is unknown.
	StatusAmber

	// StatusGreen marks confirmed transactions.
	StatusGreen
)

// String returns a human readable identifier for the severity.
func (r RAGStatus) String() string {
	switch r {
	case StatusRed:
		return "red"
	case StatusAmber:
		return "amber"
	case StatusGreen:
		return "green"
	default:
		return "invalid"
	}
}

// StatusReason is the defined reason code that accompanies every status.
type StatusReason uint8

const (
	// ReasonUnknown means the ledger has no settlement information for
	// the transaction.
	ReasonUnknown StatusReason = iota

	// ReasonConfirmedByOneBlock means the transaction has exactly one
	// confirmation.
	ReasonConfirmedByOneBlock

	// ReasonConfirmedBySeveralBlocks means the transaction has more than
	// one confirmation. The exact depth is carried in the status.
	ReasonConfirmedBySeveralBlocks

	// ReasonBroadcast means at least two peers have announced the
	// transaction back to us. The peer count is carried in the status.
	ReasonBroadcast

	// ReasonNotBroadcast means fewer than two peers have announced the
	// transaction.
	ReasonNotBroadcast

	// ReasonDead means the transaction was double spent or rejected.
	ReasonDead

	// ReasonRequested marks records backed by a payment request rather
	// than a transaction.
	ReasonRequested
)

// Status is the display status of a payment: a severity plus the reason
// code, with depth and peer count carried as data for the reasons that need
// them.
type Status struct {
	// RAG is the coarse severity.
	RAG RAGStatus

	// Reason is the defined reason code.
	Reason StatusReason

	// Depth is the confirmation count, meaningful for the confirmed
	// reasons.
	Depth uint32

	// BroadcastPeers is the announcing peer count, meaningful for
	// ReasonBroadcast.
	BroadcastPeers uint32
}

// DeriveStatus maps a transaction's settlement state to its display status.
// It is a total function over the four confidence levels plus the
// missing-confidence case; no other inputs participate.
func DeriveStatus(conf fn.Option[ledger.Confidence]) Status {
	return fn.ElimOption(
		conf,
		func() Status {
			return Status{RAG: StatusAmber, Reason: ReasonUnknown}
		},
		deriveConfidenceStatus,
	)
}

// deriveConfidenceStatus handles the known-confidence arm of DeriveStatus.
func deriveConfidenceStatus(confidence ledger.Confidence) Status {
	switch confidence.Level {
	case ledger.ConfidenceBuilding:
		status := Status{
			RAG:   StatusGreen,
			Depth: confidence.Depth,
		}
		if confidence.Depth == 1 {
			status.Reason = ReasonConfirmedByOneBlock
		} else {
			status.Reason = ReasonConfirmedBySeveralBlocks
		}

		return status

	case ledger.ConfidencePending:
		if confidence.BroadcastPeers >= 2 {
			return Status{
				RAG:            StatusAmber,
				Reason:         ReasonBroadcast,
				BroadcastPeers: confidence.BroadcastPeers,
			}
		}

		return Status{RAG: StatusRed, Reason: ReasonNotBroadcast}

	case ledger.ConfidenceDead:
		return Status{RAG: StatusRed, Reason: ReasonDead}

	case ledger.ConfidenceUnknown:
		return Status{RAG: StatusAmber, Reason: ReasonUnknown}

	default:
		return Status{RAG: StatusAmber, Reason: ReasonUnknown}
	}
}

// PaymentType classifies a payment for display.
type PaymentType uint8

const (
	// TypeRequested is an outstanding payment request with nothing paid
	// towards it yet.
	TypeRequested PaymentType = iota

	// TypePartPaid is a payment request that has been partially funded.
	TypePartPaid

	// TypeSending is an unconfirmed outgoing transaction.
	TypeSending

	// TypeSent is a confirmed outgoing transaction.
	TypeSent

	// TypeReceiving is an unconfirmed incoming transaction.
	TypeReceiving

	// TypeReceived is a confirmed incoming transaction.
	TypeReceived
)

// String returns a human readable identifier for the payment type.
func (t PaymentType) String() string {
	switch t {
	case TypeRequested:
		return "requested"
	case TypePartPaid:
		return "part paid"
	case TypeSending:
		return "sending"
	case TypeSent:
		return "sent"
	case TypeReceiving:
		return "receiving"
	case TypeReceived:
		return "received"
	default:
		return "invalid"
	}
}

// derivePaymentType classifies a transaction from the sign of its
// wallet-relative value and its confirmation depth.
func derivePaymentType(amount btcutil.Amount, depth uint32) PaymentType {
	if amount < 0 {
		if depth == 0 {
			return TypeSending
		}

		return TypeSent
	}

	if depth == 0 {
		return TypeReceiving
	}

	return TypeReceived
}

// PaymentKind tags the variant backing a payment record.
type PaymentKind uint8

const (
	// KindFromTransaction marks a record derived from a ledger
	// transaction.
	KindFromTransaction PaymentKind = iota

	// KindFromRequest marks a record backed by an unfunded or partially
	// funded payment request.
	KindFromRequest
)

// TxDetails carries the fields only transaction-backed payments have.
type TxDetails struct {
	// Txid is the transaction hash.
	Txid chainhash.Hash

	// MinerFee is the miner fee, present only for outgoing transactions
	// with recorded fee metadata.
	MinerFee fn.Option[btcutil.Amount]

	// ClientFee is the client service fee, present only for outgoing
	// transactions with recorded fee metadata.
	ClientFee fn.Option[btcutil.Amount]

	// IsCoinbase reports whether this is a coinbase transaction.
	IsCoinbase bool

	// OutputAddresses lists the destination addresses of every output.
	OutputAddresses []string

	// RawTx is the human readable dump of the raw transaction.
	RawTx string

	// Size is the serialized transaction size in bytes, or -1 if the
	// transaction could not be serialized.
	Size int

	// Duplicate is set when the same transaction appears more than once
	// in the ledger's transaction set.
	Duplicate bool
}

// RequestDetails carries the fields only request-backed payments have.
type RequestDetails struct {
	// Address is the receiving address of the request.
	Address string

	// Label is the request's user supplied label.
	Label string

	// RequestedAmount is the amount asked for.
	RequestedAmount btcutil.Amount

	// PaidAmount is the amount paid towards the request so far.
	PaidAmount btcutil.Amount
}

// Payment is a single display-ready payment record: a tagged variant backed
// either by a ledger transaction or by an unfunded payment request. Records
// are derived fresh on every read and never persisted.
type Payment struct {
	// Kind tags which variant this record is. Exactly one of Tx and
	// Request is non-nil, matching the tag.
	Kind PaymentKind

	// Date is the record's display date: the transaction update time or
	// the request creation time.
	Date time.Time

	// Status is the derived display status.
	Status Status

	// Type is the derived payment classification.
	Type PaymentType

	// Amount is the signed bitcoin amount of the record.
	Amount btcutil.Amount

	// Fiat is the fiat snapshot of the record's value.
	Fiat paydb.FiatPayment

	// Description is the derived display text.
	Description string

	// Note is the user note, if any. A non-empty note also overrides
	// Description.
	Note string

	// Tx is the transaction-backed detail, set iff Kind is
	// KindFromTransaction.
	Tx *TxDetails

	// Request is the request-backed detail, set iff Kind is
	// KindFromRequest.
	Request *RequestDetails
}

// ID returns the record's identity: the transaction hash or the receiving
// address, depending on the backing variant.
func (p *Payment) ID() string {
	if p.Kind == KindFromTransaction {
		return p.Tx.Txid.String()
	}

	return p.Request.Address
}
