package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSnapshot marks a Load with no snapshot on disk; callers treat it
// as a cold start, not a failure.
var ErrNoSnapshot = errors.New("no snapshot file")

// Persister saves and restores one snapshot type T under a fixed
// basename; the codec picks the extension.
type Persister[T any] struct {
	basename string
	codec    Codec
}

// NewPersister builds a persister for snapshots named basename.
func NewPersister[T any](basename string, codec Codec) *Persister[T] {
	return &Persister[T]{
		basename: basename,
		codec:    codec,
	}
}

// path is the snapshot location inside dir.
func (p *Persister[T]) path(dir string) string {
	return filepath.Join(dir, p.basename+p.codec.Extension())
}

// Save builds the snapshot and writes it atomically: encode into a
// temp file in the same directory, then rename over the previous
// snapshot. A crash mid-write leaves the old snapshot intact.
func (p *Persister[T]) Save(dir string, buildSnapshot func() *T) error {
	target := p.path(dir)

	tmp, err := os.CreateTemp(dir, p.basename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	encodeErr := p.codec.Encode(tmp, buildSnapshot())

	closeErr := tmp.Close()

	if encodeErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())

		return errors.Join(encodeErr, closeErr)
	}

	if renameErr := os.Rename(tmp.Name(), target); renameErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("replace snapshot: %w", renameErr)
	}

	return nil
}

// Load reads the snapshot and hands it to restoreSnapshot. A missing
// file returns ErrNoSnapshot.
func (p *Persister[T]) Load(dir string, restoreSnapshot func(*T)) error {
	file, err := os.Open(p.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoSnapshot, p.path(dir))
		}

		return fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	var snapshot T

	if decodeErr := p.codec.Decode(file, &snapshot); decodeErr != nil {
		return decodeErr
	}

	restoreSnapshot(&snapshot)

	return nil
}
