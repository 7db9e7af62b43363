// Package transferio defines the streaming byte-producer and
// sequence-keyed byte-sink collaborators that spec.md describes only by
// interface (file-system operations are explicitly out of scope for the
// reliability engine itself).
package transferio

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Producer yields successive file fragments, numbered from 1 (spec §3:
// "fragment numbering begins at 1 for file data").
type Producer interface {
	// Next returns the next fragment's sequence number and bytes. It
	// returns io.EOF (with a zero sequence and nil data) once the
	// underlying source is exhausted.
	Next() (seq uint32, data []byte, err error)
	Close() error
}

// Sink accepts fragments keyed by sequence number, in any order, and
// flushes them to durable storage once the caller decides the transfer is
// complete.
type Sink interface {
	// Put stores data at the given sequence. Duplicate Put calls for the
	// same sequence are idempotent no-ops.
	Put(seq uint32, data []byte) error
	// Flush writes the contiguous run of collected fragments starting at
	// sequence 1, in ascending order, to the underlying destination;
	// fragments past the first gap are not written.
	Flush() error
}

// FileProducer reads a local file in fixed-size fragments.
type FileProducer struct {
	f            *os.File
	fragmentSize int
	next         uint32
}

// NewFileProducer opens path for reading and prepares to emit
// fragmentSize-byte chunks starting at sequence 1.
func NewFileProducer(path string, fragmentSize int) (*FileProducer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "transferio: open source %q", path)
	}
	return &FileProducer{f: f, fragmentSize: fragmentSize, next: 1}, nil
}

// Next implements Producer.
func (p *FileProducer) Next() (uint32, []byte, error) {
	buf := make([]byte, p.fragmentSize)
	n, err := io.ReadFull(p.f, buf)
	if n == 0 {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		if err != nil {
			return 0, nil, errors.Wrap(err, "transferio: read fragment")
		}
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, nil, errors.Wrap(err, "transferio: read fragment")
	}
	seq := p.next
	p.next++
	return seq, buf[:n], nil
}

// Close implements Producer.
func (p *FileProducer) Close() error {
	return p.f.Close()
}

// LoadAll drains a Producer into a sequence-keyed map, matching the
// whole-file-in-memory working set the reliability engines operate over
// (spec §3's connection record holds the full outgoing/reassembly map).
func LoadAll(p Producer) (map[uint32][]byte, error) {
	fragments := make(map[uint32][]byte)
	for {
		seq, data, err := p.Next()
		if errors.Is(err, io.EOF) {
			return fragments, nil
		}
		if err != nil {
			return nil, err
		}
		fragments[seq] = data
	}
}

// FileSink buffers received fragments in memory and writes them to a
// single destination file, in ascending sequence order, on Flush.
type FileSink struct {
	path      string
	fragments map[uint32][]byte
}

// NewFileSink prepares a sink that will write dir/name once Flush is
// called, creating dir if it does not already exist (spec §11: storage
// directory auto-creation, carried over from the original's save_file).
func NewFileSink(dir, name string) *FileSink {
	return &FileSink{
		path:      filepath.Join(dir, name),
		fragments: make(map[uint32][]byte),
	}
}

// Put implements Sink.
func (s *FileSink) Put(seq uint32, data []byte) error {
	if _, exists := s.fragments[seq]; exists {
		return nil
	}
	s.fragments[seq] = data
	return nil
}

// Fragments exposes the fragments buffered so far, keyed by sequence
// number. The returned map is the sink's own, not a copy.
func (s *FileSink) Fragments() map[uint32][]byte {
	return s.fragments
}

// Flush implements Sink. It writes only the ordered prefix of fragments
// starting at 1 (spec §7: "downloader leaves a partial file only if a
// full, ordered prefix was received") — a trailing gap, whether from an
// early END or an abandoned transfer, is silently dropped rather than
// interleaved past the gap it left.
func (s *FileSink) Flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "transferio: create destination directory %q", dir)
	}
	f, err := os.Create(s.path)
	if err != nil {
		return errors.Wrapf(err, "transferio: create destination file %q", s.path)
	}
	defer f.Close()

	prefix := OrderedPrefix(s.fragments)
	seqs := make([]uint32, 0, len(prefix))
	for seq := range prefix {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		if _, err := f.Write(prefix[seq]); err != nil {
			return errors.Wrapf(err, "transferio: write fragment %d", seq)
		}
	}
	return nil
}

// OrderedPrefix returns the fragments from 1 up to (and including) the
// first gap, used by Flush to persist only a full, ordered prefix rather
// than every buffered fragment (spec §7).
func OrderedPrefix(fragments map[uint32][]byte) map[uint32][]byte {
	prefix := make(map[uint32][]byte)
	for seq := uint32(1); ; seq++ {
		data, ok := fragments[seq]
		if !ok {
			break
		}
		prefix[seq] = data
	}
	return prefix
}
