// Package paydb maintains the local, encrypted record of a wallet's payment
// activity: outstanding payment requests keyed by receiving address, and
// per-transaction metadata keyed by transaction hash. The whole store is
// persisted as a single whole-file encrypted container under the wallet's
// data directory.
package paydb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// PaymentsDirName is the name of the directory, within the wallet
// directory, that holds the payments container.
const PaymentsDirName = "payments"

// Store is the in-memory record store of one wallet, backed by an encrypted
// container file. Mutating operations that change durable state (delete,
// undo, explicit flush) persist synchronously before returning.
//
// The store assumes a single logical owner per wallet. The internal mutex
// makes individual operations safe to call from a display goroutine, but
// callers performing multi-step read-modify-write sequences (such as the
// reconciliation engine) are expected to follow a single-writer discipline.
type Store struct {
	mtx sync.RWMutex

	encrypter Encrypter
	file      *ContainerFile

	lastAddressIndex uint32
	requests         map[string]*PaymentRequest
	txInfos          map[chainhash.Hash]*TxInfo

	// undoStack holds deleted payment requests, most recent last.
	// Unbounded, cleared only when the store is re-initialized.
	undoStack []*PaymentRequest
}

// NewStore creates a store that will encrypt its container with the given
// encrypter. The store is unusable until Init is called.
func NewStore(encrypter Encrypter) *Store {
	return &Store{
		encrypter: encrypter,
		requests:  make(map[string]*PaymentRequest),
		txInfos:   make(map[chainhash.Hash]*TxInfo),
	}
}

// Init resolves (creating if needed) the per-wallet payments directory
// below rootDir, clears the in-memory state, and populates it from the
// backing file if one already exists. A load failure leaves the store
// initialized but empty; the caller decides whether to treat that as "no
// prior data" or surface it.
func (s *Store) Init(rootDir, walletID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	paymentsDir := filepath.Join(rootDir, walletID, PaymentsDirName)
	if err := os.MkdirAll(paymentsDir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreInit, err)
	}

	s.file = NewContainerFile(
		filepath.Join(paymentsDir, DefaultContainerFileName),
	)
	s.lastAddressIndex = 0
	s.requests = make(map[string]*PaymentRequest)
	s.txInfos = make(map[chainhash.Hash]*TxInfo)
	s.undoStack = nil

	if !s.file.Exists() {
		log.Infof("No payments container for wallet %v, starting "+
			"empty", walletID)

		return nil
	}

	log.Infof("Loading payments container for wallet %v", walletID)

	return s.loadLocked()
}

// loadLocked reads, decrypts and decodes the backing file into the
// in-memory maps. The maps are only replaced once the full container has
// been parsed. The store mutex must be held.
func (s *Store) loadLocked() error {
	ciphertext, err := s.file.Read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsLoad, err)
	}

	plaintext, err := s.encrypter.DecryptPayload(
		bytes.NewReader(ciphertext),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsLoad, err)
	}

	var container Container
	if err := container.Deserialize(
		bytes.NewReader(plaintext),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsLoad, err)
	}

	s.lastAddressIndex = container.LastAddressIndex
	for _, req := range container.Requests {
		s.requests[req.Address] = req
	}
	for _, info := range container.TxInfos {
		s.txInfos[info.Txid] = info
	}

	log.Debugf("Loaded %v payment request(s) and %v tx info(s)",
		len(s.requests), len(s.txInfos))

	return nil
}

// Sync encodes, encrypts and atomically writes out the current container.
// A failed sync never clobbers the previous on-disk container.
func (s *Store) Sync() error {
	s.mtx.RLock()
	container := s.snapshotLocked()
	file := s.file
	s.mtx.RUnlock()

	if file == nil {
		return ErrNotInitialized
	}

	var plaintext bytes.Buffer
	if err := container.Serialize(&plaintext); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsSave, err)
	}

	var ciphertext bytes.Buffer
	if err := s.encrypter.EncryptPayload(
		plaintext.Bytes(), &ciphertext,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsSave, err)
	}

	if err := file.UpdateAndSwap(ciphertext.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentsSave, err)
	}

	return nil
}

// snapshotLocked assembles a container from the current in-memory state.
// The store mutex must be held.
func (s *Store) snapshotLocked() *Container {
	container := &Container{
		LastAddressIndex: s.lastAddressIndex,
		Requests: make(
			[]*PaymentRequest, 0, len(s.requests),
		),
		TxInfos: make([]*TxInfo, 0, len(s.txInfos)),
	}
	for _, req := range s.requests {
		container.Requests = append(container.Requests, req.Copy())
	}
	for _, info := range s.txInfos {
		container.TxInfos = append(container.TxInfos, info.Copy())
	}

	return container
}

// AddPaymentRequest inserts or replaces the payment request keyed by its
// address.
func (s *Store) AddPaymentRequest(req *PaymentRequest) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.requests[req.Address] = req
}

// AddTxInfo inserts or replaces the transaction metadata keyed by its
// transaction hash.
func (s *Store) AddTxInfo(info *TxInfo) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.txInfos[info.Txid] = info
}

// PaymentRequest returns the payment request for the given receiving
// address, if one exists.
func (s *Store) PaymentRequest(address string) fn.Option[*PaymentRequest] {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if req, ok := s.requests[address]; ok {
		return fn.Some(req)
	}

	return fn.None[*PaymentRequest]()
}

// PaymentRequests returns all payment requests in the store.
func (s *Store) PaymentRequests() []*PaymentRequest {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	reqs := make([]*PaymentRequest, 0, len(s.requests))
	for _, req := range s.requests {
		reqs = append(reqs, req)
	}

	return reqs
}

// TxInfo returns the metadata record for the given transaction hash, if one
// exists.
func (s *Store) TxInfo(txid chainhash.Hash) fn.Option[*TxInfo] {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if info, ok := s.txInfos[txid]; ok {
		return fn.Some(info)
	}

	return fn.None[*TxInfo]()
}

// TxInfos returns all transaction metadata records in the store.
func (s *Store) TxInfos() []*TxInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	infos := make([]*TxInfo, 0, len(s.txInfos))
	for _, info := range s.txInfos {
		infos = append(infos, info)
	}

	return infos
}

// DeletePaymentRequest removes the payment request for the given address,
// pushes it onto the undo stack and flushes synchronously. Deleting an
// unknown address is a no-op.
func (s *Store) DeletePaymentRequest(address string) error {
	s.mtx.Lock()
	req, ok := s.requests[address]
	if !ok {
		s.mtx.Unlock()

		return nil
	}

	s.undoStack = append(s.undoStack, req)
	delete(s.requests, address)
	s.mtx.Unlock()

	log.Debugf("Deleted payment request for %v", address)

	return s.Sync()
}

// UndoDeletePaymentRequest pops the most recently deleted payment request,
// re-inserts it unchanged (funding hashes and paid amount included) and
// flushes synchronously. A no-op if nothing has been deleted.
func (s *Store) UndoDeletePaymentRequest() error {
	s.mtx.Lock()
	if len(s.undoStack) == 0 {
		s.mtx.Unlock()

		return nil
	}

	req := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]
	s.requests[req.Address] = req
	s.mtx.Unlock()

	log.Debugf("Restored payment request for %v", req.Address)

	return s.Sync()
}

// LastAddressIndex returns the highest deterministic address derivation
// index handed out so far.
func (s *Store) LastAddressIndex() uint32 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.lastAddressIndex
}

// NextAddressIndex bumps the address derivation index, flushes the store
// and returns the new index. The external wallet library uses the index to
// derive the next receiving address deterministically, so the bump must hit
// disk before the address is handed out.
func (s *Store) NextAddressIndex() (uint32, error) {
	s.mtx.Lock()
	s.lastAddressIndex++
	next := s.lastAddressIndex
	s.mtx.Unlock()

	if err := s.Sync(); err != nil {
		// The bump never hit disk, so roll it back; a retry must
		// hand out the same index rather than skip one.
		s.mtx.Lock()
		if s.lastAddressIndex == next {
			s.lastAddressIndex = next - 1
		}
		s.mtx.Unlock()

		return 0, err
	}

	return next, nil
}
