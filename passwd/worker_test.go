package passwd

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const resultTimeout = 5 * time.Second

var (
	testOldPassword = []byte("correct horse")
	testNewPassword = []byte("battery staple")
	testBackupKey   = []byte("wallet backup key material")
)

// xorBytes applies a repeating-key XOR, its own inverse.
func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}

	return out
}

// fakeCrypter is a deterministic, trivially reversible stand-in for the
// real key derivation and cipher primitives.
type fakeCrypter struct{}

func (fakeCrypter) DeriveKey(password []byte) ([]byte, error) {
	digest := sha256.Sum256(append([]byte("derived:"), password...))

	return digest[:], nil
}

func (fakeCrypter) Encrypt(plaintext, key []byte) ([]byte, error) {
	return xorBytes(plaintext, key), nil
}

func (fakeCrypter) Decrypt(ciphertext, key []byte) ([]byte, error) {
	return xorBytes(ciphertext, key), nil
}

// mangledCrypter corrupts every decryption, so re-encrypted secrets never
// survive their verification round trip.
type mangledCrypter struct {
	fakeCrypter
}

func (m mangledCrypter) Decrypt(ciphertext, key []byte) ([]byte, error) {
	plaintext, err := m.fakeCrypter.Decrypt(ciphertext, key)
	if err != nil {
		return nil, err
	}
	if len(plaintext) > 0 {
		plaintext[0] ^= 0xff
	}

	return plaintext, nil
}

// fakeKeystore records the commit it receives and can block inside
// CheckPassword to keep a change in flight.
type fakeKeystore struct {
	password           []byte
	encryptedBackupKey []byte

	checkStarted chan struct{}
	checkRelease chan struct{}

	commitErr error

	committed            bool
	committedPassword    []byte
	committedBackupKey   []byte
	committedEncPassword []byte
}

func newFakeKeystore(t *testing.T) *fakeKeystore {
	t.Helper()

	oldKey, err := fakeCrypter{}.DeriveKey(testOldPassword)
	require.NoError(t, err)
	encryptedBackupKey, err := fakeCrypter{}.Encrypt(testBackupKey, oldKey)
	require.NoError(t, err)

	return &fakeKeystore{
		password:           testOldPassword,
		encryptedBackupKey: encryptedBackupKey,
	}
}

func (k *fakeKeystore) CheckPassword(password []byte) bool {
	if k.checkStarted != nil {
		k.checkStarted <- struct{}{}
		<-k.checkRelease
	}

	return bytes.Equal(password, k.password)
}

func (k *fakeKeystore) EncryptedBackupKey() []byte {
	return k.encryptedBackupKey
}

func (k *fakeKeystore) Commit(newPassword, newEncryptedBackupKey,
	newEncryptedPassword []byte) error {

	if k.commitErr != nil {
		return k.commitErr
	}

	k.committed = true
	k.committedPassword = newPassword
	k.committedBackupKey = newEncryptedBackupKey
	k.committedEncPassword = newEncryptedPassword

	return nil
}

// newTestWorker returns a started worker that is stopped on test cleanup.
func newTestWorker(t *testing.T) *Worker {
	t.Helper()

	worker := NewWorker()
	worker.Start()
	t.Cleanup(worker.Stop)

	return worker
}

// receiveResult waits for the change outcome with a timeout.
func receiveResult(t *testing.T, resultCh <-chan Result) Result {
	t.Helper()

	select {
	case res := <-resultCh:
		return res

	case <-time.After(resultTimeout):
		t.Fatal("timeout waiting for password change result")

		return Result{}
	}
}

// TestChangePasswordSuccess walks the full verify-then-commit sequence and
// checks the committed artifacts decrypt back to the expected secrets.
func TestChangePasswordSuccess(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)
	keystore := newFakeKeystore(t)
	crypter := fakeCrypter{}

	var flushed []string
	res := receiveResult(t, worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    keystore,
		Crypter:     crypter,
		Flushes: []Flush{
			func() error {
				flushed = append(flushed, "summary")
				return nil
			},
			func() error {
				flushed = append(flushed, "payments")
				return nil
			},
		},
	}))

	require.True(t, res.Success)
	require.NoError(t, res.Err)
	require.True(t, keystore.committed)
	require.Equal(t, testNewPassword, keystore.committedPassword)
	require.Equal(t, []string{"summary", "payments"}, flushed)

	// The committed backup key must decrypt under the new password's
	// derived key, and the committed password under the backup key.
	newKey, err := crypter.DeriveKey(testNewPassword)
	require.NoError(t, err)
	backupKey, err := crypter.Decrypt(keystore.committedBackupKey, newKey)
	require.NoError(t, err)
	require.Equal(t, testBackupKey, backupKey)

	password, err := crypter.Decrypt(
		keystore.committedEncPassword, testBackupKey,
	)
	require.NoError(t, err)
	require.Equal(t, testNewPassword, password)
}

// TestChangePasswordWrongOld asserts a bad current password fails before
// any cryptography or commit happens.
func TestChangePasswordWrongOld(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)
	keystore := newFakeKeystore(t)

	res := receiveResult(t, worker.ChangePassword(&Request{
		OldPassword: []byte("not the password"),
		NewPassword: testNewPassword,
		Keystore:    keystore,
		Crypter:     fakeCrypter{},
	}))

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrWrongPassword)
	require.False(t, keystore.committed)
}

// TestRoundTripMismatchAborts asserts that a failed re-encryption check
// aborts the change before the keystore is touched.
func TestRoundTripMismatchAborts(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)
	keystore := newFakeKeystore(t)

	res := receiveResult(t, worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    keystore,
		Crypter:     mangledCrypter{},
	}))

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrRoundTripMismatch)
	require.False(t, keystore.committed)
}

// TestCommitFailureSkipsFlushes asserts a commit error surfaces in the
// result and no dependent artifact is re-persisted.
func TestCommitFailureSkipsFlushes(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)
	keystore := newFakeKeystore(t)
	keystore.commitErr = errors.New("disk full")

	var flushRan bool
	res := receiveResult(t, worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    keystore,
		Crypter:     fakeCrypter{},
		Flushes: []Flush{func() error {
			flushRan = true
			return nil
		}},
	}))

	require.False(t, res.Success)
	require.ErrorContains(t, res.Err, "disk full")
	require.False(t, flushRan)
}

// TestSubmitAfterStop asserts every submission after shutdown receives an
// immediate shutdown result instead of hanging its observer.
func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()

	worker := NewWorker()
	worker.Start()
	worker.Stop()

	for i := 0; i < 50; i++ {
		res := receiveResult(t, worker.ChangePassword(&Request{
			OldPassword: testOldPassword,
			NewPassword: testNewPassword,
			Keystore:    newFakeKeystore(t),
			Crypter:     fakeCrypter{},
		}))
		require.ErrorIs(t, res.Err, ErrWorkerShutdown)
	}
}

// TestStopAnswersQueuedTask asserts a task still waiting behind a running
// change when Stop is called is always answered, either by completing or
// with a shutdown result.
func TestStopAnswersQueuedTask(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)

	blocking := newFakeKeystore(t)
	blocking.checkStarted = make(chan struct{})
	blocking.checkRelease = make(chan struct{})

	first := worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    blocking,
		Crypter:     fakeCrypter{},
	})

	select {
	case <-blocking.checkStarted:
	case <-time.After(resultTimeout):
		t.Fatal("first change never started")
	}

	second := worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    newFakeKeystore(t),
		Crypter:     fakeCrypter{},
	})

	stopDone := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopDone)
	}()

	// Let the in-flight change finish so the shutdown can complete.
	close(blocking.checkRelease)

	select {
	case <-stopDone:
	case <-time.After(resultTimeout):
		t.Fatal("worker never stopped")
	}

	require.True(t, receiveResult(t, first).Success)

	// The queued change either ran to completion before the loop saw the
	// quit signal, or was answered with a shutdown result; it must never
	// be dropped.
	res := receiveResult(t, second)
	if res.Err != nil {
		require.ErrorIs(t, res.Err, ErrWorkerShutdown)
	} else {
		require.True(t, res.Success)
	}
}

// TestSingleSlotRejectsOverlap asserts that a third change submitted while
// one is running and one is queued fails fast with ErrWorkerBusy.
func TestSingleSlotRejectsOverlap(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t)

	blocking := newFakeKeystore(t)
	blocking.checkStarted = make(chan struct{})
	blocking.checkRelease = make(chan struct{})

	first := worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    blocking,
		Crypter:     fakeCrypter{},
	})

	// Wait until the first change is inside the keystore check, then the
	// slot is free for exactly one more submission.
	select {
	case <-blocking.checkStarted:
	case <-time.After(resultTimeout):
		t.Fatal("first change never started")
	}

	second := worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    newFakeKeystore(t),
		Crypter:     fakeCrypter{},
	})

	third := receiveResult(t, worker.ChangePassword(&Request{
		OldPassword: testOldPassword,
		NewPassword: testNewPassword,
		Keystore:    newFakeKeystore(t),
		Crypter:     fakeCrypter{},
	}))
	require.ErrorIs(t, third.Err, ErrWorkerBusy)

	close(blocking.checkRelease)
	require.True(t, receiveResult(t, first).Success)
	require.True(t, receiveResult(t, second).Success)
}
