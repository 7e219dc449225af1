package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/event"
)

// Reader sequentially replays records starting from a coordinate,
// following file rotations and blocking in ReadNext when it catches up to
// the writer (spec.md §4.2 "read_next blocks the caller until the
// Receiver appends more, or ctx is canceled").
type Reader struct {
	log  *RelayLog
	file *os.File
	br   *bufio.Reader
	name string
	off  int64
}

// OpenForRead opens a Reader positioned at from (a coordinate previously
// returned by Append, or the zero value to start from the oldest
// retained file). The Reader is registered with the RelayLog so
// PurgeInactive won't delete files it still needs; callers must call
// Close when done.
func (r *RelayLog) OpenForRead(from coordinate.Coordinate) (*Reader, error) {
	r.mu.Lock()
	files := append([]string(nil), r.files...)
	r.mu.Unlock()

	if len(files) == 0 {
		return nil, errors.New(`relay: no files`)
	}

	name := from.File
	off := int64(from.Offset)
	if name == `` {
		name = files[0]
		off = int64(len(magic))
	}

	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return nil, fmt.Errorf(`relay: open %s: %w`, name, err)
	}

	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf(`relay: read magic: %w`, err)
	}
	if !bytes.Equal(hdr, magic[:]) {
		f.Close()
		return nil, ErrMagic
	}

	if off < int64(len(magic)) {
		off = int64(len(magic))
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf(`relay: seek: %w`, err)
	}

	rd := &Reader{log: r, file: f, br: bufio.NewReader(f), name: name, off: off}

	r.mu.Lock()
	r.readers[rd] = struct{}{}
	r.mu.Unlock()

	return rd, nil
}

func (rd *Reader) fileName() string { return rd.name }

// Position returns the coordinate the next ReadNext will start from.
func (rd *Reader) Position() coordinate.Coordinate {
	return coordinate.Coordinate{File: rd.name, Offset: uint64(rd.off)}
}

// Close deregisters the Reader and closes its underlying file.
func (rd *Reader) Close() error {
	rd.log.mu.Lock()
	delete(rd.log.readers, rd)
	rd.log.mu.Unlock()
	return rd.file.Close()
}

// ReadNext returns the next event after the Reader's current position,
// blocking until one is appended, the Reader's file is rotated past (in
// which case it transparently advances to the next file), or ctx is
// canceled.
func (rd *Reader) ReadNext(ctx context.Context) (event.Event, error) {
	for {
		e, n, err := readOneRecord(rd.br)
		if err == nil {
			rd.off += n
			return e, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf(`relay: read record: %w`, err)
		}

		if advanced, aerr := rd.tryAdvanceFile(); aerr != nil {
			return nil, aerr
		} else if advanced {
			continue
		}

		if err := rd.waitForMore(ctx); err != nil {
			return nil, err
		}
	}
}

// tryAdvanceFile moves the Reader to the next file in sequence if one
// exists beyond its current file (a rotation has occurred).
func (rd *Reader) tryAdvanceFile() (bool, error) {
	rd.log.mu.Lock()
	idx := indexOf(rd.log.files, rd.name)
	var next string
	if idx >= 0 && idx+1 < len(rd.log.files) {
		next = rd.log.files[idx+1]
	}
	rd.log.mu.Unlock()

	if next == `` {
		return false, nil
	}

	f, err := os.Open(filepath.Join(rd.log.dir, next))
	if err != nil {
		return false, fmt.Errorf(`relay: open %s: %w`, next, err)
	}
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return false, fmt.Errorf(`relay: read magic: %w`, err)
	}
	if !bytes.Equal(hdr, magic[:]) {
		f.Close()
		return false, ErrMagic
	}

	rd.log.mu.Lock()
	delete(rd.log.readers, rd)
	rd.log.readers[rd] = struct{}{}
	rd.log.mu.Unlock()

	rd.file.Close()
	rd.file = f
	rd.br = bufio.NewReader(f)
	rd.name = next
	rd.off = int64(len(magic))
	return true, nil
}

// waitForMore blocks until the RelayLog signals a new append/rotation/
// close, or ctx is canceled. It snapshots the current notification
// channel under the lock, then selects outside it, so no goroutine is
// ever left behind on cancellation.
func (rd *Reader) waitForMore(ctx context.Context) error {
	rd.log.mu.Lock()
	ch := rd.log.notifyCh
	closed := rd.log.closed
	rd.log.mu.Unlock()

	if closed {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func readOneRecord(br *bufio.Reader) (event.Event, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	e, err := event.Unmarshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return e, int64(4 + n), nil
}
