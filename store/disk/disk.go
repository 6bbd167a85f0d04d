// Package disk is the file-per-object store backend.
//
// Each object is one file laid out as a wire.Record metadata block, the
// key, host and path bytes, the encoded header and the body. The body
// length is patched into the metadata block once the body is complete, so
// a file left behind by a crashed writer is recognisable by its size.
//
// Unlinking a file never disturbs a reader that already opened it: the
// read finishes against its descriptor.
package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jianshenyixiao/nuster/internal/wire"
	"github.com/jianshenyixiao/nuster/store"
)

type Options struct {
	Dir     string
	MaxSize int64 // bytes on disk; 0 => unlimited
	Queue   int   // pending unlinks before falling back to inline removal; 0 => 1024
	// OnError is told about unlink and walk failures. Optional.
	OnError func(op, path string, err error)
}

type unlink struct {
	path string
	size int64
}

type Store struct {
	dir     string
	max     int64
	used    atomic.Int64
	onError func(op, path string, err error)

	mu      sync.RWMutex
	closed  bool
	unlinks chan unlink
	wg      sync.WaitGroup
}

var _ store.Backend = (*Store)(nil)

// New creates the directory if needed and starts the unlink worker.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("disk: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	q := opts.Queue
	if q <= 0 {
		q = 1024
	}
	s := &Store{
		dir:     opts.Dir,
		max:     opts.MaxSize,
		onError: opts.OnError,
		unlinks: make(chan unlink, q),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for u := range s.unlinks {
			s.remove(u)
		}
	}()
	return s, nil
}

func (s *Store) Kind() store.Kind { return store.KindDisk }
func (s *Store) Dir() string      { return s.dir }
func (s *Store) Used() int64      { return s.used.Load() }

// Close drains pending unlinks. Later invalidations unlink inline.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.unlinks)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Store) reserve(n int64) bool {
	if s.used.Add(n) > s.max && s.max > 0 {
		s.used.Add(-n)
		return false
	}
	return true
}

func (s *Store) report(op, path string, err error) {
	if s.onError != nil {
		s.onError(op, path, err)
	}
}

func (s *Store) remove(u unlink) {
	err := os.Remove(u.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.report("unlink", u.path, err)
		return
	}
	s.used.Add(-u.size)
}

func (s *Store) schedule(u unlink) {
	s.mu.RLock()
	if !s.closed {
		select {
		case s.unlinks <- u:
			s.mu.RUnlock()
			return
		default:
		}
	}
	s.mu.RUnlock()
	s.remove(u)
}

// PurgePath unlinks a record file right away, whether or not it is open.
func (s *Store) PurgePath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.used.Add(-fi.Size())
	return nil
}

func (s *Store) pathFor(hash uint64) (string, string) {
	name := fmt.Sprintf("%016x", hash)
	dir := filepath.Join(s.dir, name[:1], name[1:3])
	return dir, filepath.Join(dir, name+"-"+uuid.NewString())
}

// Create opens a new record file and writes everything up to the body.
func (s *Store) Create(m store.Meta) (store.Writer, error) {
	rec := wire.Record{
		Hash:      m.Hash,
		ProxyID:   uint32(m.ProxyID),
		RuleID:    uint32(m.RuleID),
		KeyLen:    uint32(len(m.Key)),
		HostLen:   uint32(len(m.Host)),
		PathLen:   uint32(len(m.Path)),
		HeaderLen: uint32(len(m.Header)),
	}
	if !m.Expire.IsZero() {
		rec.Expire = m.Expire.UnixNano()
	}
	rec.HeaderOff = uint64(wire.RecordSize) + uint64(rec.KeyLen) + uint64(rec.HostLen) + uint64(rec.PathLen)
	head := int64(rec.HeaderOff) + int64(rec.HeaderLen)
	if !s.reserve(head) {
		return nil, store.ErrFull
	}
	dir, path := s.pathFor(m.Hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.used.Add(-head)
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		s.used.Add(-head)
		return nil, err
	}
	w := &Writer{s: s, f: f, bw: bufio.NewWriter(f), path: path, rec: rec, written: head}
	for _, b := range [][]byte{wire.EncodeRecord(rec), m.Key, []byte(m.Host), []byte(m.Path), m.Header} {
		if _, err := w.bw.Write(b); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w, nil
}

type Writer struct {
	s       *Store
	f       *os.File
	bw      *bufio.Writer
	path    string
	rec     wire.Record
	body    int64
	written int64 // bytes reserved against MaxSize
	done    bool
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, store.ErrClosed
	}
	if !w.s.reserve(int64(len(p))) {
		return 0, store.ErrFull
	}
	w.written += int64(len(p))
	n, err := w.bw.Write(p)
	w.body += int64(n)
	return n, err
}

// Finish flushes the body and patches the body length into the metadata.
func (w *Writer) Finish() (store.Object, error) {
	if w.done {
		return nil, store.ErrClosed
	}
	err := w.bw.Flush()
	if err == nil {
		_, err = w.f.WriteAt(wire.PatchBodyLen(uint64(w.body)), wire.BodyLenOffset())
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		w.done = true
		w.s.remove(unlink{path: w.path, size: w.written})
		return nil, err
	}
	w.done = true
	w.rec.BodyLen = uint64(w.body)
	return &File{s: w.s, path: w.path, rec: w.rec}, nil
}

func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	w.s.remove(unlink{path: w.path, size: w.written})
}

// File is a finished record.
type File struct {
	s       *Store
	path    string
	rec     wire.Record
	invalid atomic.Bool
}

var _ store.Object = (*File)(nil)

func (f *File) Kind() store.Kind    { return store.KindDisk }
func (f *File) Size() int64         { return int64(f.rec.BodyLen) }
func (f *File) Path() string        { return f.path }
func (f *File) Record() wire.Record { return f.rec }

// Acquire opens the file and positions a reader on the body. A file that
// was invalidated or removed gives store.ErrGone, one that no longer matches
// its record gives store.ErrCorrupt. Other IO errors are returned as is.
func (f *File) Acquire() (store.Reader, error) {
	if f.invalid.Load() {
		return nil, store.ErrGone
	}
	fd, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", store.ErrGone, f.path)
	}
	if err != nil {
		return nil, err
	}
	meta := make([]byte, wire.RecordSize)
	if _, err := fd.ReadAt(meta, 0); err != nil {
		fd.Close()
		return nil, readErr(err)
	}
	if rec, err := wire.DecodeRecord(meta); err != nil || rec != f.rec {
		fd.Close()
		return nil, fmt.Errorf("%w: %s", store.ErrCorrupt, f.path)
	}
	hdr := make([]byte, f.rec.HeaderLen)
	if _, err := fd.ReadAt(hdr, int64(f.rec.HeaderOff)); err != nil {
		fd.Close()
		return nil, readErr(err)
	}
	bodyOff := int64(f.rec.HeaderOff) + int64(f.rec.HeaderLen)
	return &Reader{
		fd:     fd,
		header: hdr,
		body:   io.NewSectionReader(fd, bodyOff, int64(f.rec.BodyLen)),
		size:   int64(f.rec.BodyLen),
	}, nil
}

// readErr maps a short read to store.ErrCorrupt.
func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Join(store.ErrCorrupt, err)
	}
	return err
}

// Invalidate schedules the unlink. Idempotent.
func (f *File) Invalidate() {
	if f.invalid.CompareAndSwap(false, true) {
		f.s.schedule(unlink{path: f.path, size: f.rec.Size()})
	}
}

type Reader struct {
	fd     *os.File
	header []byte
	body   *io.SectionReader
	size   int64
	closed bool
}

func (r *Reader) Header() []byte             { return r.header }
func (r *Reader) BodySize() int64            { return r.size }
func (r *Reader) Read(p []byte) (int, error) { return r.body.Read(p) }

func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.fd.Close()
}

// Loaded is a record found by Walk.
type Loaded struct {
	File   *File
	Key    []byte
	Host   string
	Path   string
	Expire time.Time
}

// Walk reads back every complete record under the store directory and
// hands it to fn. Incomplete or corrupt files are removed. Walk accounts
// the size of every file it hands out; fn invalidates the ones it rejects.
func (s *Store) Walk(fn func(l Loaded) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.report("walk", path, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		l, err := s.load(path)
		if err != nil {
			s.report("load", path, err)
			_ = os.Remove(path)
			return nil
		}
		s.used.Add(l.File.rec.Size())
		return fn(l)
	})
}

func (s *Store) load(path string) (Loaded, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Loaded{}, err
	}
	defer fd.Close()
	fi, err := fd.Stat()
	if err != nil {
		return Loaded{}, err
	}
	meta := make([]byte, wire.RecordSize)
	if _, err := io.ReadFull(fd, meta); err != nil {
		return Loaded{}, wire.ErrCorrupt
	}
	rec, err := wire.DecodeRecord(meta)
	if err != nil {
		return Loaded{}, err
	}
	if rec.Size() != fi.Size() {
		return Loaded{}, wire.ErrCorrupt
	}
	ids := make([]byte, int(rec.KeyLen)+int(rec.HostLen)+int(rec.PathLen))
	if _, err := io.ReadFull(fd, ids); err != nil {
		return Loaded{}, wire.ErrCorrupt
	}
	l := Loaded{
		File: &File{s: s, path: path, rec: rec},
		Key:  ids[:rec.KeyLen],
		Host: string(ids[rec.KeyLen : rec.KeyLen+rec.HostLen]),
		Path: string(ids[rec.KeyLen+rec.HostLen:]),
	}
	if rec.Expire != 0 {
		l.Expire = time.Unix(0, rec.Expire)
	}
	return l, nil
}
