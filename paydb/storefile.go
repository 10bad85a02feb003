package paydb

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultContainerFileName is the name of the encrypted payments
	// container within a wallet's payments directory.
	DefaultContainerFileName = "payments.db"

	// defaultTempFileName is the name of the staging file used to
	// atomically update the container on flush.
	defaultTempFileName = "temp-dont-use.db"
)

// ErrNoContainerFile is returned when an operation requires a container
// file location that has not been set.
var ErrNoContainerFile = fmt.Errorf("container file name not set")

// ContainerFile represents the encrypted payments container on disk. Writes
// are staged in a temporary file and atomically renamed over the main file,
// so a failed flush never clobbers the previous container. This relies on
// the atomic rename property all widely used file systems have.
type ContainerFile struct {
	// fileName is the location of the main container file.
	fileName string

	// tempFileName is the staging file in the same directory.
	tempFileName string
}

// NewContainerFile creates a new container file instance at the target
// location on the file system.
func NewContainerFile(fileName string) *ContainerFile {
	tempFileName := filepath.Join(
		filepath.Dir(fileName), defaultTempFileName,
	)

	return &ContainerFile{
		fileName:     fileName,
		tempFileName: tempFileName,
	}
}

// Exists reports whether the main container file is present on disk.
func (f *ContainerFile) Exists() bool {
	if f.fileName == "" {
		return false
	}

	_, err := os.Stat(f.fileName)

	return err == nil
}

// Read returns the raw ciphertext contents of the main container file.
func (f *ContainerFile) Read() ([]byte, error) {
	if f.fileName == "" {
		return nil, ErrNoContainerFile
	}

	return os.ReadFile(f.fileName)
}

// UpdateAndSwap writes the new ciphertext to the staging file, syncs it,
// then atomically renames it over the main container file. If any step
// fails the previous container file is left untouched.
func (f *ContainerFile) UpdateAndSwap(ciphertext []byte) error {
	if f.fileName == "" {
		return ErrNoContainerFile
	}

	log.Debugf("Updating container file at %v", f.fileName)

	// If an earlier flush died midway, clear out its staging file before
	// proceeding.
	if _, err := os.Stat(f.tempFileName); err == nil {
		log.Infof("Found stale temp container @ %v, removing before "+
			"swap", f.tempFileName)

		if err := os.Remove(f.tempFileName); err != nil {
			return fmt.Errorf("unable to remove temp container "+
				"file: %w", err)
		}
	}

	tempFile, err := os.Create(f.tempFileName)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	defer os.Remove(f.tempFileName)

	if _, err := tempFile.Write(ciphertext); err != nil {
		tempFile.Close()

		return fmt.Errorf("unable to write container to temp "+
			"file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()

		return fmt.Errorf("unable to sync temp file: %w", err)
	}

	// Some OSes don't support renaming a file that's still open, so
	// close before the swap.
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("unable to close file: %w", err)
	}

	return os.Rename(f.tempFileName, f.fileName)
}
