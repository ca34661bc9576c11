package sftpsync

import (
	"context"
	"io"
	"os"
	"path"
	"sync"
	"time"
)

// fakeRemote is an in-memory remote filesystem shared by all sessions a
// fakeDialer hands out, so chunked transfers over multiple sessions see
// one consistent target.
type fakeRemote struct {
	mu         sync.Mutex
	files      map[string]*fakeFile
	dirs       map[string]bool
	failCreate map[string]error
	execFn     func(cmd string) (*ExecResult, error)
	readGate   chan struct{}
}

type fakeFile struct {
	data  []byte
	mtime time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:      make(map[string]*fakeFile),
		dirs:       map[string]bool{"/": true},
		failCreate: make(map[string]error),
	}
}

// put seeds a file and registers its parent directories.
func (r *fakeRemote) put(p string, data []byte, mtime time.Time) {
	p = path.Clean(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[p] = &fakeFile{data: append([]byte(nil), data...), mtime: mtime}
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		r.dirs[dir] = true
	}
}

func (r *fakeRemote) get(p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// gateReads makes reads block until the returned channel is closed.
func (r *fakeRemote) gateReads() chan struct{} {
	gate := make(chan struct{})
	r.mu.Lock()
	r.readGate = gate
	r.mu.Unlock()
	return gate
}

type fakeInfo struct {
	name  string
	size  int64
	mtime time.Time
	dir   bool
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.size }
func (i fakeInfo) Mode() os.FileMode  { return 0o644 }
func (i fakeInfo) ModTime() time.Time { return i.mtime }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() interface{}   { return nil }

// fakeSession is one view onto a fakeRemote.
type fakeSession struct {
	remote *fakeRemote
	dialer *fakeDialer
	closed bool
	mu     sync.Mutex
}

var _ RemoteSession = (*fakeSession)(nil)

func (s *fakeSession) Stat(p string) (os.FileInfo, error) {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if f, ok := s.remote.files[p]; ok {
		return fakeInfo{name: path.Base(p), size: int64(len(f.data)), mtime: f.mtime}, nil
	}
	if s.remote.dirs[p] {
		return fakeInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (s *fakeSession) List(dir string) ([]os.FileInfo, error) {
	dir = path.Clean(dir)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if !s.remote.dirs[dir] {
		return nil, os.ErrNotExist
	}

	var out []os.FileInfo
	for p, f := range s.remote.files {
		if path.Dir(p) == dir {
			out = append(out, fakeInfo{name: path.Base(p), size: int64(len(f.data)), mtime: f.mtime})
		}
	}
	for p := range s.remote.dirs {
		if p != dir && path.Dir(p) == dir {
			out = append(out, fakeInfo{name: path.Base(p), dir: true})
		}
	}
	return out, nil
}

func (s *fakeSession) Open(p string) (RemoteFile, error) {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if _, ok := s.remote.files[p]; !ok {
		return nil, os.ErrNotExist
	}
	return &fakeHandle{remote: s.remote, path: p}, nil
}

func (s *fakeSession) Create(p string) (RemoteFile, error) {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if err, ok := s.remote.failCreate[p]; ok {
		return nil, err
	}
	s.remote.files[p] = &fakeFile{mtime: time.Now()}
	return &fakeHandle{remote: s.remote, path: p}, nil
}

func (s *fakeSession) OpenWrite(p string) (RemoteFile, error) {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if _, ok := s.remote.files[p]; !ok {
		s.remote.files[p] = &fakeFile{mtime: time.Now()}
	}
	return &fakeHandle{remote: s.remote, path: p}, nil
}

func (s *fakeSession) Remove(p string) error {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if _, ok := s.remote.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(s.remote.files, p)
	return nil
}

func (s *fakeSession) MkdirAll(p string) error {
	p = path.Clean(p)
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	for ; p != "/" && p != "."; p = path.Dir(p) {
		s.remote.dirs[p] = true
	}
	return nil
}

func (s *fakeSession) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.remote.mu.Lock()
	fn := s.remote.execFn
	s.remote.mu.Unlock()
	if fn != nil {
		return fn(cmd)
	}
	return &ExecResult{}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !wasClosed && s.dialer != nil {
		s.dialer.mu.Lock()
		s.dialer.closes++
		s.dialer.mu.Unlock()
	}
	return nil
}

// fakeHandle is a RemoteFile over one fakeRemote entry.
type fakeHandle struct {
	remote *fakeRemote
	path   string
	mu     sync.Mutex
	pos    int64
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	pos := h.pos
	h.mu.Unlock()
	n, err := h.ReadAt(p, pos)
	h.mu.Lock()
	h.pos += int64(n)
	h.mu.Unlock()
	return n, err
}

func (h *fakeHandle) ReadAt(p []byte, off int64) (int, error) {
	h.remote.mu.Lock()
	gate := h.remote.readGate
	h.remote.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	f, ok := h.remote.files[h.path]
	if !ok {
		return 0, os.ErrNotExist
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if off+int64(n) >= int64(len(f.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	pos := h.pos
	h.mu.Unlock()
	n, err := h.WriteAt(p, pos)
	h.mu.Lock()
	h.pos += int64(n)
	h.mu.Unlock()
	return n, err
}

func (h *fakeHandle) WriteAt(p []byte, off int64) (int, error) {
	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	f, ok := h.remote.files[h.path]
	if !ok {
		f = &fakeFile{}
		h.remote.files[h.path] = f
	}
	if need := off + int64(len(p)); need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.mtime = time.Now()
	return len(p), nil
}

func (h *fakeHandle) Close() error { return nil }

// fakeDialer hands out sessions over one shared fakeRemote, counting
// dials and closes. It can be told to fail the first N dials.
type fakeDialer struct {
	remote *fakeRemote

	mu        sync.Mutex
	dials     int
	closes    int
	failTimes int
	dialErr   error
}

var _ SessionDialer = (*fakeDialer)(nil)

func newFakeDialer(remote *fakeRemote) *fakeDialer {
	return &fakeDialer{remote: remote}
}

func (d *fakeDialer) Dial(ctx context.Context, host HostConfig) (RemoteSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failTimes != 0 && d.dialErr != nil {
		if d.failTimes > 0 {
			d.failTimes--
		}
		return nil, d.dialErr
	}
	return &fakeSession{remote: d.remote, dialer: d}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

var testHost = HostConfig{Host: "remote.test", User: "tester", Password: "secret"}

func timeNowTrunc() time.Time {
	return time.Now().Truncate(time.Second)
}

func newTestPool(remote *fakeRemote, maxPerIdentity int) (*SessionPool, *fakeDialer) {
	dialer := newFakeDialer(remote)
	pool := NewSessionPool(dialer, PoolConfig{MaxPerIdentity: maxPerIdentity})
	return pool, dialer
}
