// Package persist stores pipeline snapshots on disk so a restarted
// daemon can resume where the previous run left off. A Persister pairs
// a snapshot type with a codec and writes through a temp file, so a
// crash mid-save never leaves a half-written snapshot behind.
package persist

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
)

// Snapshot file extensions per codec.
const (
	jsonExtension = ".json"
	gobExtension  = ".gob"
)

// snapshotIndent keeps JSON snapshots readable when inspected by hand.
const snapshotIndent = "  "

// Codec serializes snapshots.
type Codec interface {
	// Encode writes the snapshot to the writer.
	Encode(w io.Writer, snapshot any) error
	// Decode reads the snapshot from the reader.
	Decode(r io.Reader, snapshot any) error
	// Extension returns the snapshot file extension (".json", ".gob").
	Extension() string
}

// JSONCodec writes indented JSON snapshots. JSON is the default:
// engine state files sit next to the event store and get opened in
// editors when debugging a restart.
type JSONCodec struct {
	// Indent is the indentation string; empty means compact output.
	Indent string
}

// NewJSONCodec returns a codec producing two-space-indented JSON.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: snapshotIndent}
}

// Encode implements Codec.
func (c *JSONCodec) Encode(w io.Writer, snapshot any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("encode snapshot json: %w", err)
	}

	return nil
}

// Decode implements Codec.
func (c *JSONCodec) Decode(r io.Reader, snapshot any) error {
	if err := json.NewDecoder(r).Decode(snapshot); err != nil {
		return fmt.Errorf("decode snapshot json: %w", err)
	}

	return nil
}

// Extension implements Codec.
func (c *JSONCodec) Extension() string { return jsonExtension }

// GobCodec writes binary gob snapshots, for state too large to keep
// human-readable.
type GobCodec struct{}

// NewGobCodec returns a gob codec.
func NewGobCodec() *GobCodec {
	return &GobCodec{}
}

// Encode implements Codec.
func (c *GobCodec) Encode(w io.Writer, snapshot any) error {
	if err := gob.NewEncoder(w).Encode(snapshot); err != nil {
		return fmt.Errorf("encode snapshot gob: %w", err)
	}

	return nil
}

// Decode implements Codec.
func (c *GobCodec) Decode(r io.Reader, snapshot any) error {
	if err := gob.NewDecoder(r).Decode(snapshot); err != nil {
		return fmt.Errorf("decode snapshot gob: %w", err)
	}

	return nil
}

// Extension implements Codec.
func (c *GobCodec) Extension() string { return gobExtension }
