// Package passwd implements the wallet password change sequence. The
// change is a long-running cryptographic operation, so it runs on a
// dedicated single-purpose worker off any display goroutine, and its
// outcome is delivered as a result value rather than an error return. The
// sequence is strictly verify-then-commit: every intermediate encryption is
// round-tripped and checked before any persisted artifact is touched, so a
// failure never leaves a partial commit behind. There is no cancellation;
// a submitted change runs to completion or fails before commit.
package passwd

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWrongPassword is reported when the old password fails
	// verification against the wallet.
	ErrWrongPassword = errors.New("old wallet password is incorrect")

	// ErrRoundTripMismatch is reported when a re-encrypted secret does
	// not decrypt back to its original value. The change aborts before
	// any persisted state is modified.
	ErrRoundTripMismatch = errors.New("encryption round-trip mismatch, " +
		"aborting password change")

	// ErrWorkerBusy is reported when a change is submitted while another
	// one is still running. The worker intentionally has a single task
	// slot.
	ErrWorkerBusy = errors.New("a password change is already in progress")

	// ErrWorkerShutdown is reported when the worker is stopped before
	// the change could run.
	ErrWorkerShutdown = errors.New("password worker shutting down")
)

// Result is the outcome of a password change, observed asynchronously on
// the channel returned by ChangePassword.
type Result struct {
	// Success is true if every verification step passed and the commit
	// completed.
	Success bool

	// Err carries the failure cause when Success is false.
	Err error
}

// KeyCrypter is the contract required from the external key-derivation and
// symmetric-encryption primitives (scrypt-based derivation, AES or
// equivalent). The worker never touches raw cryptography itself.
type KeyCrypter interface {
	// DeriveKey derives a symmetric key from a wallet password.
	DeriveKey(password []byte) ([]byte, error)

	// Encrypt encrypts the plaintext under the given key.
	Encrypt(plaintext, key []byte) ([]byte, error)

	// Decrypt reverses Encrypt.
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// Keystore is the contract required from the external wallet: password
// verification, access to the encrypted backup key, and the final commit
// of the new credentials.
type Keystore interface {
	// CheckPassword verifies the current wallet password.
	CheckPassword(password []byte) bool

	// EncryptedBackupKey returns the wallet's internal backup key,
	// encrypted under the current password-derived key.
	EncryptedBackupKey() []byte

	// Commit atomically persists the new credentials: the new password
	// takes effect, and the re-encrypted backup key and stored password
	// are written out. Only called once every round-trip check passed.
	Commit(newPassword, newEncryptedBackupKey,
		newEncryptedPassword []byte) error
}

// Flush persists one dependent artifact (wallet summary, contacts,
// history, payments) under the new credentials. Flushes run after the
// commit, in submission order.
type Flush func() error

// Request describes a single password change.
type Request struct {
	// OldPassword is the current wallet password.
	OldPassword []byte

	// NewPassword is the password to change to.
	NewPassword []byte

	// Keystore is the wallet whose password is being changed.
	Keystore Keystore

	// Crypter supplies the key derivation and cipher primitives.
	Crypter KeyCrypter

	// Flushes re-persist the wallet's dependent artifacts under the new
	// credentials.
	Flushes []Flush
}

// task pairs a request with its result channel.
type task struct {
	req      *Request
	resultCh chan Result
}

// Worker runs password changes sequentially on a dedicated goroutine. The
// task channel holds a single slot: submitting while a change is in flight
// fails fast with ErrWorkerBusy instead of queueing.
type Worker struct {
	start sync.Once
	stop  sync.Once

	// submitMtx guards stopped, so no submission can slip into the queue
	// once shutdown has begun.
	submitMtx sync.Mutex
	stopped   bool

	tasks chan *task
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewWorker creates a password change worker. Start must be called before
// any change is submitted.
func NewWorker() *Worker {
	return &Worker{
		tasks: make(chan *task, 1),
		quit:  make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.start.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Stop shuts the worker down. A change already running completes first, and
// a task still waiting in the queue is answered with ErrWorkerShutdown
// rather than silently dropped.
func (w *Worker) Stop() {
	w.stop.Do(func() {
		w.submitMtx.Lock()
		w.stopped = true
		w.submitMtx.Unlock()

		close(w.quit)
		w.wg.Wait()

		// The run loop may have exited with a task still queued;
		// answer it so its observer is never left hanging.
		for {
			select {
			case t := <-w.tasks:
				t.resultCh <- Result{Err: ErrWorkerShutdown}

			default:
				return
			}
		}
	})
}

// ChangePassword submits a change and returns the channel its result will
// be delivered on. The channel is buffered, so the result can be observed
// at leisure. If another change is still in flight, the result is an
// immediate ErrWorkerBusy failure; after Stop it is an immediate
// ErrWorkerShutdown. Every submission receives exactly one result.
func (w *Worker) ChangePassword(req *Request) <-chan Result {
	resultCh := make(chan Result, 1)

	w.submitMtx.Lock()
	defer w.submitMtx.Unlock()

	if w.stopped {
		resultCh <- Result{Err: ErrWorkerShutdown}

		return resultCh
	}

	select {
	case w.tasks <- &task{req: req, resultCh: resultCh}:

	default:
		resultCh <- Result{Err: ErrWorkerBusy}
	}

	return resultCh
}

// run is the worker's main loop.
func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case t := <-w.tasks:
			err := changePassword(t.req)
			if err != nil {
				log.Errorf("Password change failed: %v", err)
				t.resultCh <- Result{Err: err}

				continue
			}

			log.Info("Password change completed")
			t.resultCh <- Result{Success: true}

		case <-w.quit:
			return
		}
	}
}

// changePassword executes the full sequential change. Every step before
// Keystore.Commit is free of persistent side effects, so any failure here
// aborts the change with the previous credentials fully intact.
func changePassword(req *Request) error {
	keystore, crypter := req.Keystore, req.Crypter

	if !keystore.CheckPassword(req.OldPassword) {
		return ErrWrongPassword
	}

	// Re-encrypt the wallet's internal backup key under the new
	// password-derived key.
	oldKey, err := crypter.DeriveKey(req.OldPassword)
	if err != nil {
		return fmt.Errorf("unable to derive old key: %w", err)
	}
	backupKey, err := crypter.Decrypt(keystore.EncryptedBackupKey(), oldKey)
	if err != nil {
		return fmt.Errorf("unable to decrypt backup key: %w", err)
	}

	newKey, err := crypter.DeriveKey(req.NewPassword)
	if err != nil {
		return fmt.Errorf("unable to derive new key: %w", err)
	}
	newEncryptedBackupKey, err := crypter.Encrypt(backupKey, newKey)
	if err != nil {
		return fmt.Errorf("unable to re-encrypt backup key: %w", err)
	}

	// Check the re-encryption is reversible before anything is
	// persisted.
	rebornBackupKey, err := crypter.Decrypt(newEncryptedBackupKey, newKey)
	if err != nil {
		return fmt.Errorf("unable to verify backup key: %w", err)
	}
	if !bytes.Equal(backupKey, rebornBackupKey) {
		return ErrRoundTripMismatch
	}

	// Encrypt the new password under the backup key as an integrity
	// check, and verify that round trip too.
	newEncryptedPassword, err := crypter.Encrypt(req.NewPassword, backupKey)
	if err != nil {
		return fmt.Errorf("unable to encrypt new password: %w", err)
	}
	rebornPassword, err := crypter.Decrypt(newEncryptedPassword, backupKey)
	if err != nil {
		return fmt.Errorf("unable to verify new password: %w", err)
	}
	if !bytes.Equal(req.NewPassword, rebornPassword) {
		return ErrRoundTripMismatch
	}

	// Every verification passed; commit the new credentials and
	// re-persist the dependent artifacts under them.
	err = keystore.Commit(
		req.NewPassword, newEncryptedBackupKey, newEncryptedPassword,
	)
	if err != nil {
		return fmt.Errorf("unable to commit new credentials: %w", err)
	}

	for _, flush := range req.Flushes {
		if err := flush(); err != nil {
			return fmt.Errorf("unable to re-persist artifact "+
				"under new password: %w", err)
		}
	}

	return nil
}
