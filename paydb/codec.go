package paydb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/shopspring/decimal"
)

// ContainerVersion denotes the version of the serialized payments
// container. Based on this version, we know how to unpack the entries that
// follow the header.
type ContainerVersion byte

const (
	// DefaultContainerVersion is the initial version of the payments
	// container. The serialized form of this version is:
	//
	//   version || containerTLV || numRequests || requestTLVs... ||
	//   numTxInfos || txInfoTLVs...
	//
	// where each TLV blob is prefixed with its uint16 length so entries
	// written by newer versions can be skipped wholesale.
	DefaultContainerVersion ContainerVersion = 0
)

// Container-level TLV types.
const (
	typeLastAddressIndex tlv.Type = 0
)

// Payment request TLV types.
const (
	typeReqAddress tlv.Type = 0
	typeReqAmount  tlv.Type = 1
	typeReqPaid    tlv.Type = 2
	typeReqLabel   tlv.Type = 3
	typeReqNote    tlv.Type = 4
	typeReqFunding tlv.Type = 5
	typeReqCreated tlv.Type = 6
)

// Transaction info TLV types.
const (
	typeInfoTxid      tlv.Type = 0
	typeInfoNote      tlv.Type = 1
	typeInfoMinerFee  tlv.Type = 2
	typeInfoClientFee tlv.Type = 3
	typeInfoExchange  tlv.Type = 4
	typeInfoRate      tlv.Type = 5
	typeInfoFiat      tlv.Type = 6
)

// Serialize writes out the plaintext serialized container to the passed
// writer. Encryption is layered on top by the caller; the codec itself only
// ever sees plaintext bytes.
func (c *Container) Serialize(w io.Writer) error {
	if err := binary.Write(
		w, binary.BigEndian, byte(DefaultContainerVersion),
	); err != nil {
		return err
	}

	// The container header is itself a TLV blob so that new top-level
	// fields can be added without a version bump.
	lastIndex := c.LastAddressIndex
	if err := writeTLVBlock(
		w, tlv.MakePrimitiveRecord(typeLastAddressIndex, &lastIndex),
	); err != nil {
		return err
	}

	if err := binary.Write(
		w, binary.BigEndian, uint32(len(c.Requests)),
	); err != nil {
		return err
	}
	for _, req := range c.Requests {
		if err := serializeRequest(w, req); err != nil {
			return fmt.Errorf("unable to serialize request "+
				"for %v: %w", req.Address, err)
		}
	}

	if err := binary.Write(
		w, binary.BigEndian, uint32(len(c.TxInfos)),
	); err != nil {
		return err
	}
	for _, info := range c.TxInfos {
		if err := serializeTxInfo(w, info); err != nil {
			return fmt.Errorf("unable to serialize tx info "+
				"for %v: %w", info.Txid, err)
		}
	}

	return nil
}

// Deserialize attempts to read a plaintext serialized container from the
// passed reader. The receiver is only populated once the entire stream has
// been parsed successfully, so a malformed stream never leaves a partially
// filled container behind.
func (c *Container) Deserialize(r io.Reader) error {
	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return err
	}

	switch ContainerVersion(version) {
	case DefaultContainerVersion:
	default:
		return fmt.Errorf("unable to deserialize w/ unknown "+
			"version: %v", version)
	}

	var parsed Container

	var lastIndex uint32
	if err := readTLVBlock(
		r, tlv.MakePrimitiveRecord(typeLastAddressIndex, &lastIndex),
	); err != nil {
		return err
	}
	parsed.LastAddressIndex = lastIndex

	var numRequests uint32
	if err := binary.Read(r, binary.BigEndian, &numRequests); err != nil {
		return err
	}
	for ; numRequests != 0; numRequests-- {
		req, err := deserializeRequest(r)
		if err != nil {
			return err
		}
		parsed.Requests = append(parsed.Requests, req)
	}

	var numTxInfos uint32
	if err := binary.Read(r, binary.BigEndian, &numTxInfos); err != nil {
		return err
	}
	for ; numTxInfos != 0; numTxInfos-- {
		info, err := deserializeTxInfo(r)
		if err != nil {
			return err
		}
		parsed.TxInfos = append(parsed.TxInfos, info)
	}

	*c = parsed

	return nil
}

// serializeRequest writes a single length-prefixed payment request blob.
func serializeRequest(w io.Writer, req *PaymentRequest) error {
	var (
		address = []byte(req.Address)
		amount  = uint64(req.Amount)
		paid    = uint64(req.PaidAmount)
		label   = []byte(req.Label)
		note    = []byte(req.Note)
		funding = flattenTxids(req.FundingTxids)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeReqAddress, &address),
		tlv.MakePrimitiveRecord(typeReqAmount, &amount),
		tlv.MakePrimitiveRecord(typeReqPaid, &paid),
		tlv.MakePrimitiveRecord(typeReqLabel, &label),
		tlv.MakePrimitiveRecord(typeReqNote, &note),
		tlv.MakePrimitiveRecord(typeReqFunding, &funding),
	}

	if !req.CreatedAt.IsZero() {
		created := uint64(req.CreatedAt.Unix())
		records = append(records, tlv.MakePrimitiveRecord(
			typeReqCreated, &created,
		))
	}

	return writeTLVBlock(w, records...)
}

// deserializeRequest reads a single length-prefixed payment request blob.
// Missing fields decode to their zero values rather than failing, keeping
// old containers readable.
func deserializeRequest(r io.Reader) (*PaymentRequest, error) {
	var (
		address []byte
		amount  uint64
		paid    uint64
		label   []byte
		note    []byte
		funding []byte
		created uint64
	)

	err := readTLVBlock(
		r,
		tlv.MakePrimitiveRecord(typeReqAddress, &address),
		tlv.MakePrimitiveRecord(typeReqAmount, &amount),
		tlv.MakePrimitiveRecord(typeReqPaid, &paid),
		tlv.MakePrimitiveRecord(typeReqLabel, &label),
		tlv.MakePrimitiveRecord(typeReqNote, &note),
		tlv.MakePrimitiveRecord(typeReqFunding, &funding),
		tlv.MakePrimitiveRecord(typeReqCreated, &created),
	)
	if err != nil {
		return nil, err
	}

	txids, err := unflattenTxids(funding)
	if err != nil {
		return nil, err
	}

	req := &PaymentRequest{
		Address:      string(address),
		Amount:       btcutil.Amount(amount),
		PaidAmount:   btcutil.Amount(paid),
		Label:        string(label),
		Note:         string(note),
		FundingTxids: txids,
	}
	if created != 0 {
		req.CreatedAt = time.Unix(int64(created), 0).UTC()
	}

	return req, nil
}

// serializeTxInfo writes a single length-prefixed transaction info blob.
// Optional fields are only written when present, so absence survives the
// round trip.
func serializeTxInfo(w io.Writer, info *TxInfo) error {
	var (
		txid = [32]byte(info.Txid)
		note = []byte(info.Note)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeInfoTxid, &txid),
		tlv.MakePrimitiveRecord(typeInfoNote, &note),
	}

	info.MinerFee.WhenSome(func(fee btcutil.Amount) {
		val := uint64(fee)
		records = append(records, tlv.MakePrimitiveRecord(
			typeInfoMinerFee, &val,
		))
	})
	info.ClientFee.WhenSome(func(fee btcutil.Amount) {
		val := uint64(fee)
		records = append(records, tlv.MakePrimitiveRecord(
			typeInfoClientFee, &val,
		))
	})
	info.Fiat.ExchangeName.WhenSome(func(name string) {
		val := []byte(name)
		records = append(records, tlv.MakePrimitiveRecord(
			typeInfoExchange, &val,
		))
	})
	info.Fiat.Rate.WhenSome(func(dec decimal.Decimal) {
		val := []byte(dec.String())
		records = append(records, tlv.MakePrimitiveRecord(
			typeInfoRate, &val,
		))
	})
	info.Fiat.Amount.WhenSome(func(dec decimal.Decimal) {
		val := []byte(dec.String())
		records = append(records, tlv.MakePrimitiveRecord(
			typeInfoFiat, &val,
		))
	})

	return writeTLVBlock(w, records...)
}

// deserializeTxInfo reads a single length-prefixed transaction info blob.
// Presence of the optional fields is detected through the parsed type map,
// as a zero fee and an absent fee are different persisted states.
func deserializeTxInfo(r io.Reader) (*TxInfo, error) {
	var (
		txid      [32]byte
		note      []byte
		minerFee  uint64
		clientFee uint64
		exchange  []byte
		rateStr   []byte
		fiatStr   []byte
	)

	parsedTypes, err := readTLVBlockParsed(
		r,
		tlv.MakePrimitiveRecord(typeInfoTxid, &txid),
		tlv.MakePrimitiveRecord(typeInfoNote, &note),
		tlv.MakePrimitiveRecord(typeInfoMinerFee, &minerFee),
		tlv.MakePrimitiveRecord(typeInfoClientFee, &clientFee),
		tlv.MakePrimitiveRecord(typeInfoExchange, &exchange),
		tlv.MakePrimitiveRecord(typeInfoRate, &rateStr),
		tlv.MakePrimitiveRecord(typeInfoFiat, &fiatStr),
	)
	if err != nil {
		return nil, err
	}

	info := &TxInfo{
		Txid:      chainhash.Hash(txid),
		Note:      string(note),
		MinerFee:  fn.None[btcutil.Amount](),
		ClientFee: fn.None[btcutil.Amount](),
		Fiat: FiatPayment{
			ExchangeName: fn.None[string](),
			Rate:         fn.None[decimal.Decimal](),
			Amount:       fn.None[decimal.Decimal](),
		},
	}

	if _, ok := parsedTypes[typeInfoMinerFee]; ok {
		info.MinerFee = fn.Some(btcutil.Amount(minerFee))
	}
	if _, ok := parsedTypes[typeInfoClientFee]; ok {
		info.ClientFee = fn.Some(btcutil.Amount(clientFee))
	}
	if _, ok := parsedTypes[typeInfoExchange]; ok {
		info.Fiat.ExchangeName = fn.Some(string(exchange))
	}
	if _, ok := parsedTypes[typeInfoRate]; ok {
		info.Fiat.Rate = parseDecimal(rateStr)
	}
	if _, ok := parsedTypes[typeInfoFiat]; ok {
		info.Fiat.Amount = parseDecimal(fiatStr)
	}

	return info, nil
}

// parseDecimal decodes a persisted decimal string. An unparseable value
// decodes as absent rather than failing the whole container.
func parseDecimal(raw []byte) fn.Option[decimal.Decimal] {
	dec, err := decimal.NewFromString(string(raw))
	if err != nil {
		log.Warnf("Dropping unparseable decimal field %q: %v",
			raw, err)

		return fn.None[decimal.Decimal]()
	}

	return fn.Some(dec)
}

// writeTLVBlock encodes the given records as a single uint16
// length-prefixed TLV stream.
func writeTLVBlock(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	var blob bytes.Buffer
	if err := stream.Encode(&blob); err != nil {
		return err
	}

	if err := binary.Write(
		w, binary.BigEndian, uint16(blob.Len()),
	); err != nil {
		return err
	}
	_, err = w.Write(blob.Bytes())

	return err
}

// readTLVBlock decodes a single uint16 length-prefixed TLV stream into the
// given records. Unknown types within the blob are skipped.
func readTLVBlock(r io.Reader, records ...tlv.Record) error {
	_, err := readTLVBlockParsed(r, records...)

	return err
}

// readTLVBlockParsed is readTLVBlock, but additionally returns the set of
// types actually encountered so callers can distinguish absent fields from
// zero values.
func readTLVBlockParsed(r io.Reader,
	records ...tlv.Record) (tlv.TypeMap, error) {

	var blobLen uint16
	if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
		return nil, err
	}

	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return stream.DecodeWithParsedTypes(bytes.NewReader(blob))
}

// flattenTxids concatenates a txid set into a single byte slice for
// storage.
func flattenTxids(txids []chainhash.Hash) []byte {
	flat := make([]byte, 0, len(txids)*chainhash.HashSize)
	for _, txid := range txids {
		flat = append(flat, txid[:]...)
	}

	return flat
}

// unflattenTxids splits a stored byte slice back into its txid set.
func unflattenTxids(flat []byte) ([]chainhash.Hash, error) {
	if len(flat) == 0 {
		return nil, nil
	}
	if len(flat)%chainhash.HashSize != 0 {
		return nil, fmt.Errorf("funding txid blob has invalid "+
			"length %v", len(flat))
	}

	txids := make([]chainhash.Hash, 0, len(flat)/chainhash.HashSize)
	for len(flat) > 0 {
		var txid chainhash.Hash
		copy(txid[:], flat[:chainhash.HashSize])
		txids = append(txids, txid)
		flat = flat[chainhash.HashSize:]
	}

	return txids, nil
}
