// Package ledger defines the contract this module requires from the
// underlying wallet library: an iterable transaction set with per-transaction
// confidence information and wallet-relative values. The wallet itself
// (key management, broadcast, chain sync) lives entirely behind these
// interfaces.
package ledger

import (
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ConfidenceLevel is the wallet library's classification of how settled a
// transaction is.
type ConfidenceLevel uint8

const (
	// ConfidenceBuilding means the transaction is included in the best
	// chain and is accumulating confirmations.
	ConfidenceBuilding ConfidenceLevel = iota

	// ConfidencePending means the transaction has not yet been included
	// in a block.
	ConfidencePending

	// ConfidenceDead means the transaction has been double spent or
	// otherwise rejected by the network.
	ConfidenceDead

	// ConfidenceUnknown means the wallet has no settlement information
	// for the transaction.
	ConfidenceUnknown
)

// String returns a human readable identifier for the confidence level.
func (c ConfidenceLevel) String() string {
	switch c {
	case ConfidenceBuilding:
		return "building"
	case ConfidencePending:
		return "pending"
	case ConfidenceDead:
		return "dead"
	case ConfidenceUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Confidence describes the settlement state of a single transaction.
type Confidence struct {
	// Level is the broad settlement classification.
	Level ConfidenceLevel

	// Depth is the number of blocks confirming the transaction. Only
	// meaningful when Level is ConfidenceBuilding.
	Depth uint32

	// BroadcastPeers is the number of network peers that have announced
	// the transaction back to us.
	BroadcastPeers uint32
}

// Output is a single output of a wallet transaction with a resolvable
// destination address.
type Output interface {
	// Address resolves the destination address of the output. An error
	// is returned for non-standard scripts with no address form.
	Address() (btcutil.Address, error)

	// Amount is the value carried by the output.
	Amount() btcutil.Amount

	// IsMine reports whether the output pays to an address controlled
	// by the wallet.
	IsMine() bool
}

// Transaction is a single wallet transaction as reported by the ledger
// library.
type Transaction interface {
	// Hash is the transaction id.
	Hash() chainhash.Hash

	// UpdateTime is the time the wallet last learned something new about
	// the transaction, typically first-seen or confirmation time.
	UpdateTime() time.Time

	// Value is the net wallet-relative value of the transaction.
	// Negative values are outgoing payments.
	Value() btcutil.Amount

	// Confidence returns the settlement state, if the wallet has any.
	Confidence() fn.Option[Confidence]

	// Outputs returns all outputs of the transaction, wallet and
	// non-wallet alike.
	Outputs() []Output

	// IsCoinbase reports whether this is a coinbase transaction.
	IsCoinbase() bool

	// Serialize writes the canonical wire encoding of the transaction,
	// used for size computation and export.
	Serialize(w io.Writer) error

	// RawString is a human readable dump of the raw transaction.
	RawString() string
}

// Wallet exposes the live transaction set of an open wallet.
type Wallet interface {
	// Transactions returns every transaction known to the wallet,
	// including dead ones.
	Transactions() []Transaction
}
