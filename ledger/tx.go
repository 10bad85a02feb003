package ledger

import (
	"errors"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoAddress is returned when an output script has no standard address
// form.
var ErrNoAddress = errors.New("output script has no address form")

// AddressFilter reports whether an address is controlled by the wallet.
type AddressFilter func(btcutil.Address) bool

// WalletTx adapts a raw wire transaction plus the wallet-level facts about
// it (net value, confidence, ownership of outputs) to the Transaction
// contract. It is the concrete form wallet integrations are expected to
// hand to the reconciliation engine.
type WalletTx struct {
	// MsgTx is the raw transaction.
	MsgTx *wire.MsgTx

	// Updated is the wallet's update time for the transaction.
	Updated time.Time

	// NetValue is the signed wallet-relative value.
	NetValue btcutil.Amount

	// Conf is the settlement state, if known.
	Conf fn.Option[Confidence]

	// Params identifies the network the transaction belongs to, used for
	// output address resolution.
	Params *chaincfg.Params

	// Mine reports whether an address belongs to the wallet. A nil
	// filter marks no output as ours.
	Mine AddressFilter
}

// A compile time check to ensure WalletTx implements the Transaction
// interface.
var _ Transaction = (*WalletTx)(nil)

// Hash returns the transaction id.
func (t *WalletTx) Hash() chainhash.Hash {
	return t.MsgTx.TxHash()
}

// UpdateTime returns the wallet's update time for the transaction.
func (t *WalletTx) UpdateTime() time.Time {
	return t.Updated
}

// Value returns the net wallet-relative value.
func (t *WalletTx) Value() btcutil.Amount {
	return t.NetValue
}

// Confidence returns the settlement state, if known.
func (t *WalletTx) Confidence() fn.Option[Confidence] {
	return t.Conf
}

// Outputs resolves every output of the raw transaction.
func (t *WalletTx) Outputs() []Output {
	outputs := make([]Output, 0, len(t.MsgTx.TxOut))
	for _, txOut := range t.MsgTx.TxOut {
		outputs = append(outputs, &walletTxOut{
			txOut:  txOut,
			params: t.Params,
			mine:   t.Mine,
		})
	}

	return outputs
}

// IsCoinbase reports whether the transaction only spends the coinbase
// previous outpoint.
func (t *WalletTx) IsCoinbase() bool {
	if len(t.MsgTx.TxIn) != 1 {
		return false
	}

	prevOut := t.MsgTx.TxIn[0].PreviousOutPoint

	return prevOut.Index == wire.MaxPrevOutIndex &&
		prevOut.Hash == chainhash.Hash{}
}

// Serialize writes the canonical wire encoding of the transaction.
func (t *WalletTx) Serialize(w io.Writer) error {
	return t.MsgTx.Serialize(w)
}

// RawString returns a human readable dump of the raw transaction.
func (t *WalletTx) RawString() string {
	return spew.Sdump(t.MsgTx)
}

// walletTxOut resolves a single wire output against the network params and
// the wallet's address filter.
type walletTxOut struct {
	txOut  *wire.TxOut
	params *chaincfg.Params
	mine   AddressFilter
}

// Address extracts the destination address from the output script.
func (o *walletTxOut) Address() (btcutil.Address, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		o.txOut.PkScript, o.params,
	)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}

	// Multisig scripts report several addresses; the first one is the
	// display form used throughout.
	return addrs[0], nil
}

// Amount returns the value carried by the output.
func (o *walletTxOut) Amount() btcutil.Amount {
	return btcutil.Amount(o.txOut.Value)
}

// IsMine reports whether the output pays to a wallet address.
func (o *walletTxOut) IsMine() bool {
	if o.mine == nil {
		return false
	}

	addr, err := o.Address()
	if err != nil {
		return false
	}

	return o.mine(addr)
}

// StaticWallet is a fixed transaction set satisfying the Wallet contract,
// useful for integrations that snapshot the wallet state and for tests.
type StaticWallet []Transaction

// Transactions returns the snapshot as-is.
func (s StaticWallet) Transactions() []Transaction {
	return s
}
