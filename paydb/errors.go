package paydb

import "errors"

var (
	// ErrStoreInit is returned when the per-wallet payments directory
	// cannot be resolved or created. Fatal to initialization.
	ErrStoreInit = errors.New("payments store directory unavailable")

	// ErrPaymentsLoad is returned when the on-disk container cannot be
	// decrypted or parsed. Callers may treat this as "no prior data" or
	// report it to the user; the in-memory store is left empty, never
	// partially populated.
	ErrPaymentsLoad = errors.New("payments container could not be loaded")

	// ErrPaymentsSave is returned when the container cannot be encrypted
	// or written out. The previous on-disk container is never clobbered
	// by a failed save.
	ErrPaymentsSave = errors.New("payments container could not be saved")

	// ErrNotInitialized is returned when a store operation requiring a
	// backing file runs before Init.
	ErrNotInitialized = errors.New("payments store not initialized")
)
