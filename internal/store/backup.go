package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

// backupTempPattern names the intermediate snapshot file.
const backupTempPattern = "devpulse-backup-*.db"

// Backup writes an LZ4-compressed snapshot of the database to dest.
// The snapshot is taken with VACUUM INTO, which is safe to run while
// appends continue on other connections.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), backupTempPattern)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	tmpPath := tmp.Name()

	closeErr := tmp.Close()
	if closeErr != nil {
		return fmt.Errorf("close snapshot file: %w", closeErr)
	}

	// VACUUM INTO refuses to overwrite; the temp file must not exist.
	removeErr := os.Remove(tmpPath)
	if removeErr != nil {
		return fmt.Errorf("clear snapshot file: %w", removeErr)
	}

	defer os.Remove(tmpPath)

	_, vacErr := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmpPath)
	if vacErr != nil {
		return fmt.Errorf("vacuum into snapshot: %w", vacErr)
	}

	compressErr := compressFile(tmpPath, dest)
	if compressErr != nil {
		return compressErr
	}

	s.log.Info("backup written", "dest", dest)

	return nil
}

func compressFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer out.Close()

	zw := lz4.NewWriter(out)

	_, copyErr := io.Copy(zw, in)
	if copyErr != nil {
		return fmt.Errorf("compress backup: %w", copyErr)
	}

	flushErr := zw.Close()
	if flushErr != nil {
		return fmt.Errorf("finish backup: %w", flushErr)
	}

	return nil
}

// RestoreBackup decompresses an LZ4 backup into a database file. The
// target must not be an open store.
func RestoreBackup(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create database file: %w", err)
	}
	defer out.Close()

	_, copyErr := io.Copy(out, lz4.NewReader(in))
	if copyErr != nil {
		return fmt.Errorf("decompress backup: %w", copyErr)
	}

	return nil
}
