// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
)

// Store persists journal facts. Append must not return until the fact
// is durable; Load must tolerate a torn final record from a crash
// mid-append.
type Store interface {
	Append(fact Fact) error
	Load() ([]Fact, error)
	Delete(ids []ident.ID) error
	Close() error
}

// FileStore is a single-file log of length-prefixed CBOR frames. Each
// frame is a 4-byte big-endian length followed by the canonical
// encoding of one Fact. Every append is fsynced before returning.
// Deletes rewrite the log to a temporary file and rename it into
// place.
type FileStore struct {
	path string
	file *os.File
}

const maxFrameLen = 1 << 24 // 16 MiB, far above any single fact

// OpenFileStore opens or creates the log at path. A torn final frame
// from an interrupted append is truncated away; every earlier frame
// is preserved.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal log: %w", err)
	}
	store := &FileStore{path: path, file: file}
	if err := store.repair(); err != nil {
		file.Close()
		return nil, err
	}
	return store, nil
}

// repair scans the log and truncates anything after the last complete
// frame.
func (s *FileStore) repair() error {
	valid, err := scanFrames(s.file, nil)
	if err != nil {
		return err
	}
	if err := s.file.Truncate(valid); err != nil {
		return fmt.Errorf("truncating torn tail: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// scanFrames walks frames from the start of r, invoking visit (if
// non-nil) with each complete frame body, and returns the offset just
// past the last complete frame. A short read at the tail is not an
// error; a frame with an absurd length is treated as corruption at
// that offset.
func scanFrames(r io.ReadSeeker, visit func(body []byte) error) (int64, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var offset int64
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, err
		}
		length := binary.BigEndian.Uint32(header[:])
		if length == 0 || length > maxFrameLen {
			return offset, nil
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return 0, err
		}
		if visit != nil {
			if err := visit(body); err != nil {
				return 0, err
			}
		}
		offset += 4 + int64(length)
	}
}

// ScanRaw walks the complete frames of a journal log at path, calling
// visit with each raw CBOR frame body. The file is opened read-only
// and a torn tail is skipped, matching OpenFileStore's repair rule.
func ScanRaw(path string, visit func(frame []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal log: %w", err)
	}
	defer file.Close()
	_, err = scanFrames(file, visit)
	return err
}

// Append writes one frame and fsyncs before returning.
func (s *FileStore) Append(fact Fact) error {
	body, err := codec.Marshal(fact)
	if err != nil {
		return fmt.Errorf("encoding fact: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing journal log: %w", err)
	}
	return nil
}

// Load replays every complete frame. Facts whose content fails
// validation are skipped rather than failing the whole load; a
// corrupt frame body means the bytes on disk were damaged after the
// fsync, and dropping it beats refusing to open the journal.
func (s *FileStore) Load() ([]Fact, error) {
	var facts []Fact
	_, err := scanFrames(s.file, func(body []byte) error {
		var fact Fact
		if err := codec.Unmarshal(body, &fact); err != nil {
			return nil
		}
		if err := fact.Content.Validate(); err != nil {
			return nil
		}
		facts = append(facts, fact)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return facts, nil
}

// Delete compacts the log, dropping the given fact IDs. The rewrite
// goes to a temporary file in the same directory, is fsynced, and
// renamed over the original so a crash at any point leaves either the
// old or the new log intact.
func (s *FileStore) Delete(ids []ident.ID) error {
	drop := make(map[ident.ID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept, err := s.Load()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".compact-*")
	if err != nil {
		return fmt.Errorf("creating compaction file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, fact := range kept {
		if _, gone := drop[fact.FactID]; gone {
			continue
		}
		body, err := codec.Marshal(fact)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("encoding fact: %w", err)
		}
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(body)))
		if _, err := tmp.Write(header[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(body); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("installing compacted log: %w", err)
	}

	s.file.Close()
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopening compacted log: %w", err)
	}
	s.file = file
	return nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	return s.file.Close()
}
