package reconcile

import (
	"testing"
	"time"

	"github.com/MarcoPon/multibit-hd/ledger"
	"github.com/MarcoPon/multibit-hd/paydb"
	"github.com/MarcoPon/multibit-hd/rate"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testParams = &chaincfg.MainNetParams

	testTime = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	testPrevTxid = chainhash.Hash{0x01}
)

// testAddr derives a deterministic P2PKH address from a one byte seed.
func testAddr(t *testing.T, seed byte) btcutil.Address {
	t.Helper()

	var pkHash [20]byte
	for i := range pkHash {
		pkHash[i] = seed
	}

	addr, err := btcutil.NewAddressPubKeyHash(pkHash[:], testParams)
	require.NoError(t, err)

	return addr
}

// txOutTo builds a P2PKH output paying the given amount to the address.
func txOutTo(t *testing.T, addr btcutil.Address,
	value btcutil.Amount) *wire.TxOut {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return wire.NewTxOut(int64(value), pkScript)
}

// mineFilter marks exactly the given addresses as wallet-owned.
func mineFilter(addrs ...btcutil.Address) ledger.AddressFilter {
	owned := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		owned[addr.String()] = struct{}{}
	}

	return func(addr btcutil.Address) bool {
		_, ok := owned[addr.String()]

		return ok
	}
}

// testWalletTx assembles a wallet transaction spending a dummy previous
// outpoint and carrying the given outputs.
func testWalletTx(value btcutil.Amount, conf fn.Option[ledger.Confidence],
	mine ledger.AddressFilter, outputs ...*wire.TxOut) *ledger.WalletTx {

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&testPrevTxid, 0), nil, nil,
	))
	for _, txOut := range outputs {
		msgTx.AddTxOut(txOut)
	}

	return &ledger.WalletTx{
		MsgTx:    msgTx,
		Updated:  testTime,
		NetValue: value,
		Conf:     conf,
		Params:   testParams,
		Mine:     mine,
	}
}

func confBuilding(depth uint32) fn.Option[ledger.Confidence] {
	return fn.Some(ledger.Confidence{
		Level: ledger.ConfidenceBuilding,
		Depth: depth,
	})
}

// newTestEngine wires an engine over an in-memory store, a static rate
// source and the given transaction set.
func newTestEngine(txs ...ledger.Transaction) (*Engine, *paydb.Store,
	*rate.StaticSource) {

	store := paydb.NewStore(nil)
	rates := rate.NewStaticSource()
	engine := NewEngine(Config{
		Store:  store,
		Wallet: ledger.StaticWallet(txs),
		Rates:  rates,
	})

	return engine, store, rates
}

// TestReceiveAgainstRequest walks the canonical receive flow: a payment
// request for one bitcoin is fully funded by a single confirmed incoming
// transaction. The request absorbs the funding, drops out of the record
// set, and the transaction record carries the request's label as its
// description.
func TestReceiveAgainstRequest(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 0x11)
	tx := testWalletTx(
		100_000_000, confBuilding(1), mineFilter(addr),
		txOutTo(t, addr, 100_000_000),
	)

	engine, store, _ := newTestEngine(tx)
	store.AddPaymentRequest(&paydb.PaymentRequest{
		Address: addr.String(),
		Amount:  100_000_000,
		Label:   "invoice 17",
	})

	payments := engine.ListAll()
	require.Len(t, payments, 1)

	payment := payments[0]
	require.Equal(t, KindFromTransaction, payment.Kind)
	require.Equal(t, TypeReceived, payment.Type)
	require.Equal(t, Status{
		RAG:    StatusGreen,
		Reason: ReasonConfirmedByOneBlock,
		Depth:  1,
	}, payment.Status)
	require.Equal(t, btcutil.Amount(100_000_000), payment.Amount)
	require.Equal(t, "invoice 17", payment.Description)
	require.False(t, payment.Tx.Duplicate)

	req := store.PaymentRequest(addr.String()).UnwrapOrFail(t)
	require.True(t, req.IsFullyFunded())
	require.Equal(t, []chainhash.Hash{tx.Hash()}, req.FundingTxids)

	// Re-reconciling must not double count the funding.
	payments = engine.ListAll()
	require.Len(t, payments, 1)
	req = store.PaymentRequest(addr.String()).UnwrapOrFail(t)
	require.Equal(t, btcutil.Amount(100_000_000), req.PaidAmount)
}

// TestUnderFundedRequestStaysVisible asserts that a request one satoshi
// short of its amount still appears as its own part-paid record.
func TestUnderFundedRequestStaysVisible(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 0x22)
	tx := testWalletTx(
		100_000_000, confBuilding(2), mineFilter(addr),
		txOutTo(t, addr, 100_000_000),
	)

	engine, store, _ := newTestEngine(tx)
	store.AddPaymentRequest(&paydb.PaymentRequest{
		Address: addr.String(),
		Amount:  100_000_001,
		Label:   "almost there",
	})

	payments := engine.ListAll()
	require.Len(t, payments, 2)

	var reqPayment *Payment
	for _, payment := range payments {
		if payment.Kind == KindFromRequest {
			reqPayment = payment
		}
	}
	require.NotNil(t, reqPayment)
	require.Equal(t, TypePartPaid, reqPayment.Type)
	require.Equal(t, Status{
		RAG:    StatusAmber,
		Reason: ReasonRequested,
	}, reqPayment.Status)
	require.Equal(
		t, btcutil.Amount(100_000_000),
		reqPayment.Request.PaidAmount,
	)
}

// TestFiatSnapshotFrozen asserts that the fiat value recorded the first
// time a transaction is reconciled survives later rate changes.
func TestFiatSnapshotFrozen(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 0x33)
	tx := testWalletTx(
		100_000_000, confBuilding(1), mineFilter(addr),
		txOutTo(t, addr, 100_000_000),
	)

	engine, _, rates := newTestEngine(tx)
	rates.SetQuote(rate.Quote{
		ExchangeName: "Bitstamp",
		Rate:         decimal.New(50_000, 0),
	})

	payment := engine.ListAll()[0]
	require.Equal(t, "Bitstamp", payment.Fiat.ExchangeName.UnwrapOrFail(t))
	require.True(t, payment.Fiat.Amount.UnwrapOrFail(t).
		Equal(decimal.New(50_000, 0)))

	// A later rate must not disturb the recorded snapshot.
	rates.SetQuote(rate.Quote{
		ExchangeName: "Kraken",
		Rate:         decimal.New(60_000, 0),
	})

	payment = engine.ListAll()[0]
	require.Equal(t, "Bitstamp", payment.Fiat.ExchangeName.UnwrapOrFail(t))
	require.True(t, payment.Fiat.Rate.UnwrapOrFail(t).
		Equal(decimal.New(50_000, 0)))
}

// TestNoRateYieldsAbsentFiat asserts that reconciling with no observed
// exchange rate leaves all fiat fields absent rather than zero.
func TestNoRateYieldsAbsentFiat(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 0x44)
	tx := testWalletTx(
		50_000, confBuilding(1), mineFilter(addr),
		txOutTo(t, addr, 50_000),
	)

	engine, _, _ := newTestEngine(tx)

	payment := engine.ListAll()[0]
	require.True(t, payment.Fiat.ExchangeName.IsNone())
	require.True(t, payment.Fiat.Rate.IsNone())
	require.True(t, payment.Fiat.Amount.IsNone())
}

// TestFeesOnlyOnOutgoing asserts that recorded fees surface on outgoing
// records and never on incoming ones, even when metadata exists.
func TestFeesOnlyOnOutgoing(t *testing.T) {
	t.Parallel()

	theirAddr := testAddr(t, 0x55)
	myAddr := testAddr(t, 0x66)

	outTx := testWalletTx(
		-200_000, confBuilding(3), nil,
		txOutTo(t, theirAddr, 190_000),
	)
	inTx := testWalletTx(
		75_000, confBuilding(3), mineFilter(myAddr),
		txOutTo(t, myAddr, 75_000),
	)

	engine, store, _ := newTestEngine(outTx, inTx)
	store.AddTxInfo(&paydb.TxInfo{
		Txid:      outTx.Hash(),
		MinerFee:  fn.Some(btcutil.Amount(10_000)),
		ClientFee: fn.Some(btcutil.Amount(500)),
	})
	store.AddTxInfo(&paydb.TxInfo{
		Txid:     inTx.Hash(),
		MinerFee: fn.Some(btcutil.Amount(10_000)),
	})

	payments := engine.ListAll()
	require.Len(t, payments, 2)

	byID := make(map[string]*Payment)
	for _, payment := range payments {
		byID[payment.ID()] = payment
	}

	outgoing := byID[outTx.Hash().String()]
	require.Equal(t, TypeSent, outgoing.Type)
	require.Equal(
		t, btcutil.Amount(10_000),
		outgoing.Tx.MinerFee.UnwrapOrFail(t),
	)
	require.Equal(
		t, btcutil.Amount(500),
		outgoing.Tx.ClientFee.UnwrapOrFail(t),
	)

	incoming := byID[inTx.Hash().String()]
	require.Equal(t, TypeReceived, incoming.Type)
	require.True(t, incoming.Tx.MinerFee.IsNone())
	require.True(t, incoming.Tx.ClientFee.IsNone())
}

// TestDescriptions covers the derived description forms: outgoing "To:"
// with every output address, incoming "By:" with wallet addresses, and the
// stored-note override.
func TestDescriptions(t *testing.T) {
	t.Parallel()

	theirAddr := testAddr(t, 0x77)
	changeAddr := testAddr(t, 0x88)
	myAddr := testAddr(t, 0x99)

	outTx := testWalletTx(
		-500_000, confBuilding(1), mineFilter(changeAddr),
		txOutTo(t, theirAddr, 400_000),
		txOutTo(t, changeAddr, 90_000),
	)
	inTx := testWalletTx(
		30_000, confBuilding(1), mineFilter(myAddr),
		txOutTo(t, myAddr, 30_000),
	)

	engine, store, _ := newTestEngine(outTx, inTx)

	payments := engine.ListAll()
	byID := make(map[string]*Payment)
	for _, payment := range payments {
		byID[payment.ID()] = payment
	}

	require.Equal(
		t,
		descToPrefix+theirAddr.String()+" "+changeAddr.String(),
		byID[outTx.Hash().String()].Description,
	)
	require.Equal(
		t, descByPrefix+myAddr.String(),
		byID[inTx.Hash().String()].Description,
	)

	// A stored note wins over any derived text.
	store.AddTxInfo(&paydb.TxInfo{
		Txid: inTx.Hash(),
		Note: "coffee with bob",
	})
	byID = make(map[string]*Payment)
	for _, p := range engine.ListAll() {
		byID[p.ID()] = p
	}
	require.Equal(
		t, "coffee with bob",
		byID[inTx.Hash().String()].Description,
	)
	require.Equal(
		t, "coffee with bob", byID[inTx.Hash().String()].Note,
	)
}

// TestDuplicateTransactionsFlagged asserts that repeated appearances of
// one transaction in the ledger set are marked, first occurrence excepted.
func TestDuplicateTransactionsFlagged(t *testing.T) {
	t.Parallel()

	addr := testAddr(t, 0xaa)
	tx := testWalletTx(
		10_000, confBuilding(1), mineFilter(addr),
		txOutTo(t, addr, 10_000),
	)

	engine, _, _ := newTestEngine(tx, tx)

	payments := engine.ListAll()
	require.Len(t, payments, 2)
	require.False(t, payments[0].Tx.Duplicate)
	require.True(t, payments[1].Tx.Duplicate)
}

// TestOnTransactionSeen asserts the seen hook creates the metadata record
// exactly once, pinning the rate in effect at first observation.
func TestOnTransactionSeen(t *testing.T) {
	t.Parallel()

	engine, store, rates := newTestEngine()
	rates.SetQuote(rate.Quote{
		ExchangeName: "Bitstamp",
		Rate:         decimal.New(40_000, 0),
	})

	txid := chainhash.Hash{0xab}
	engine.OnTransactionSeen(txid, 100_000_000)

	info := store.TxInfo(txid).UnwrapOrFail(t)
	require.True(t, info.Fiat.Rate.UnwrapOrFail(t).
		Equal(decimal.New(40_000, 0)))

	rates.SetQuote(rate.Quote{
		ExchangeName: "Kraken",
		Rate:         decimal.New(70_000, 0),
	})
	engine.OnTransactionSeen(txid, 100_000_000)

	info = store.TxInfo(txid).UnwrapOrFail(t)
	require.True(t, info.Fiat.Rate.UnwrapOrFail(t).
		Equal(decimal.New(40_000, 0)))
}

// TestFindFundedRequests asserts the address to request resolution used by
// send-confirmation surfaces.
func TestFindFundedRequests(t *testing.T) {
	t.Parallel()

	knownAddr := testAddr(t, 0xbb)
	unknownAddr := testAddr(t, 0xcc)

	engine, store, _ := newTestEngine()
	store.AddPaymentRequest(&paydb.PaymentRequest{
		Address: knownAddr.String(),
		Amount:  5_000,
	})

	reqs := engine.FindFundedRequests([]string{
		unknownAddr.String(), knownAddr.String(),
	})
	require.Len(t, reqs, 1)
	require.Equal(t, knownAddr.String(), reqs[0].Address)

	require.Empty(
		t,
		engine.FindFundedRequests([]string{unknownAddr.String()}),
	)
}
