package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Direction indicates which way a transfer moves data.
type Direction string

const (
	// DirectionUpload moves data from the local filesystem to the remote.
	DirectionUpload Direction = "upload"
	// DirectionDownload moves data from the remote to the local filesystem.
	DirectionDownload Direction = "download"
)

// ChunkStatus tracks one chunk's lifecycle within a chunked transfer.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkActive  ChunkStatus = "active"
	ChunkDone    ChunkStatus = "done"
	ChunkFailed  ChunkStatus = "failed"
)

// ChunkRecord describes one contiguous byte range of an in-flight
// chunked transfer. Records live only for the duration of the file
// transfer; writes target the final file at the chunk offset, never a
// sidecar artifact.
type ChunkRecord struct {
	Index       int
	Offset      int64
	Length      int64
	Transferred int64
	Status      ChunkStatus
}

// Progress reports transferred/total byte counters for one transfer.
// Done is set exactly once, on successful completion.
type Progress struct {
	Path        string
	Transferred int64
	Total       int64
	Done        bool
}

// ProgressFunc consumes progress updates. Calls are rate-limited to the
// executor's progress interval, except for the final completion report.
type ProgressFunc func(Progress)

// Executor moves single files and directory trees over pooled
// sessions. Files at or above the chunk threshold are split into
// fixed-size chunks transferred concurrently, each over its own leased
// session; smaller files go through a sequential stream.
type Executor struct {
	pool       *SessionPool
	fs         afero.Fs
	opts       TransferOptions
	compressor *Compressor
	retry      RetryConfig
	logger     *logrus.Logger
}

// NewExecutor creates an executor over the given pool and local
// filesystem.
func NewExecutor(pool *SessionPool, fsys afero.Fs, opts TransferOptions, logger *logrus.Logger) *Executor {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	retry := DefaultRetryConfig()
	retry.MaxRetries = opts.ChunkRetries
	retry.Logger = logger

	return &Executor{
		pool:   pool,
		fs:     fsys,
		opts:   opts,
		retry:  retry,
		logger: logger,
	}
}

// SetCompressor wires a file-level compression strategy into upload
// paths. Nil disables file-level compression.
func (e *Executor) SetCompressor(c *Compressor) {
	e.compressor = c
}

// TransferFile moves one file in the given direction and returns the
// number of bytes that landed. Large files are chunked; the rest stream
// sequentially.
func (e *Executor) TransferFile(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, progress ProgressFunc) (int64, error) {
	size, err := e.sourceSize(ctx, host, localPath, remotePath, direction)
	if err != nil {
		return 0, err
	}

	if direction == DirectionUpload && e.compressor != nil && e.compressor.Eligible(localPath, size) {
		n, err := e.transferCompressed(ctx, host, localPath, remotePath, progress)
		if err == nil || !errors.Is(err, ErrRemoteToolMissing) {
			return n, err
		}
		e.logger.WithField("path", localPath).Info("remote decompression tool unavailable, sending uncompressed")
	}

	if !e.opts.DisableChunking && size >= e.opts.ChunkThreshold {
		return e.transferChunked(ctx, host, localPath, remotePath, direction, size, progress)
	}
	return e.transferStream(ctx, host, localPath, remotePath, direction, size, progress)
}

// transferCompressed gzips the file to a local artifact, moves the
// artifact with the executor's normal routing (the artifact's own size
// decides stream versus chunks), and restores the file in place with a
// remote decompression command. Returns ErrRemoteToolMissing when the
// remote lacks gzip so the caller can fall back to a plain transfer.
func (e *Executor) transferCompressed(ctx context.Context, host HostConfig, localPath, remotePath string, progress ProgressFunc) (int64, error) {
	sess, err := e.pool.Lease(ctx, host)
	if err != nil {
		return 0, err
	}
	available, err := e.compressor.remoteGzipAvailable(ctx, sess)
	e.finish(sess, err)
	if err != nil {
		return 0, err
	}
	if !available {
		return 0, ErrRemoteToolMissing
	}

	artifact, artifactSize, err := e.compressor.compressToTemp(localPath)
	if err != nil {
		return 0, err
	}
	defer e.fs.Remove(artifact)

	// Completion is reported only after remote decompression, so the
	// artifact move must not emit its own Done.
	var inner ProgressFunc
	if progress != nil {
		inner = func(p Progress) {
			if p.Done {
				return
			}
			progress(Progress{Path: remotePath, Transferred: p.Transferred, Total: p.Total})
		}
	}

	remoteArtifact := remotePath + ".gz"
	var n int64
	if !e.opts.DisableChunking && artifactSize >= e.opts.ChunkThreshold {
		n, err = e.transferChunked(ctx, host, artifact, remoteArtifact, DirectionUpload, artifactSize, inner)
	} else {
		n, err = e.transferStream(ctx, host, artifact, remoteArtifact, DirectionUpload, artifactSize, inner)
	}
	if err != nil {
		return n, err
	}

	sess, err = e.pool.Lease(ctx, host)
	if err != nil {
		return n, err
	}
	derr := e.compressor.decompressRemote(ctx, sess, remoteArtifact)
	if derr != nil {
		// Best effort: do not leave the artifact behind on failure.
		_ = sess.Remove(remoteArtifact)
	}
	e.finish(sess, derr)
	if derr != nil {
		return n, derr
	}

	if progress != nil {
		progress(Progress{Path: remotePath, Transferred: artifactSize, Total: artifactSize, Done: true})
	}
	return n, nil
}

func (e *Executor) sourceSize(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction) (int64, error) {
	switch direction {
	case DirectionUpload:
		info, err := e.fs.Stat(localPath)
		if err != nil {
			return 0, fmt.Errorf("failed to stat local file: %w", err)
		}
		return info.Size(), nil

	case DirectionDownload:
		sess, err := e.pool.Lease(ctx, host)
		if err != nil {
			return 0, err
		}
		info, err := sess.Stat(remotePath)
		if err != nil {
			e.pool.Release(sess)
			return 0, &TransportError{Op: "stat", Path: remotePath, Chunk: -1, Err: err}
		}
		e.pool.Release(sess)
		return info.Size(), nil

	default:
		return 0, fmt.Errorf("invalid transfer direction %q", direction)
	}
}

// transferStream moves a file as one sequential copy over a single
// leased session.
func (e *Executor) transferStream(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, size int64, progress ProgressFunc) (n int64, err error) {
	sess, err := e.pool.Lease(ctx, host)
	if err != nil {
		return 0, err
	}
	defer func() { e.finish(sess, err) }()

	if direction == DirectionUpload {
		n, err = e.uploadStream(ctx, sess, localPath, remotePath, size, progress)
		return n, err
	}

	n, err = e.downloadStream(ctx, sess, localPath, remotePath, size, progress)
	return n, err
}

// finish returns the session to the pool, retiring it when the
// operation ended in an error that may have poisoned the channel.
// Cancellation is not such an error: the copy loop stops between
// buffers and the session stays healthy, so it goes back to idle.
func (e *Executor) finish(sess *PooledSession, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.pool.Release(sess)
		return
	}
	e.pool.Retire(sess)
}

func (e *Executor) uploadStream(ctx context.Context, sess RemoteSession, localPath, remotePath string, size int64, progress ProgressFunc) (int64, error) {
	local, err := e.fs.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	if dir := path.Dir(remotePath); dir != "" && dir != "/" && dir != "." {
		if err := sess.MkdirAll(dir); err != nil {
			return 0, &TransportError{Op: "mkdir", Path: dir, Chunk: -1, Err: err}
		}
	}

	remote, err := sess.Create(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "create", Path: remotePath, Chunk: -1, Err: err}
	}

	n, err := e.copyWithProgress(ctx, remote, local, remotePath, size, progress)
	if err != nil {
		remote.Close()
		return n, &TransportError{Op: "upload", Path: remotePath, Chunk: -1, Err: err}
	}
	if err := remote.Close(); err != nil {
		return n, &TransportError{Op: "close", Path: remotePath, Chunk: -1, Err: err}
	}

	if progress != nil {
		progress(Progress{Path: remotePath, Transferred: n, Total: size, Done: true})
	}
	return n, nil
}

func (e *Executor) downloadStream(ctx context.Context, sess RemoteSession, localPath, remotePath string, size int64, progress ProgressFunc) (int64, error) {
	remote, err := sess.Open(remotePath)
	if err != nil {
		return 0, &TransportError{Op: "open", Path: remotePath, Chunk: -1, Err: err}
	}
	defer remote.Close()

	if dir := filepath.Dir(localPath); dir != "" && dir != "/" && dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create local directory %s: %w", dir, err)
		}
	}

	local, err := e.fs.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	n, err := e.copyWithProgress(ctx, local, remote, localPath, size, progress)
	if err != nil {
		local.Close()
		return n, &TransportError{Op: "download", Path: remotePath, Chunk: -1, Err: err}
	}
	if err := local.Close(); err != nil {
		return n, fmt.Errorf("failed to close local file: %w", err)
	}

	if progress != nil {
		progress(Progress{Path: localPath, Transferred: n, Total: size, Done: true})
	}
	return n, nil
}

// copyWithProgress copies src to dst, checking cancellation every
// buffer and emitting progress at a bounded cadence.
func (e *Executor) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progressPath string, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	lastEmit := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}

			if progress != nil && time.Since(lastEmit) >= e.opts.ProgressInterval {
				progress(Progress{Path: progressPath, Transferred: written, Total: total})
				lastEmit = time.Now()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// transferChunked splits the file into contiguous fixed-size chunks and
// moves up to ChunkConcurrency of them at once, each over its own
// leased session. Chunk writes are offset-addressed into the final
// file, so completion order is irrelevant.
func (e *Executor) transferChunked(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, size int64, progress ProgressFunc) (int64, error) {
	chunks := buildChunks(size, e.opts.ChunkSize)

	if err := e.prepareChunkTarget(ctx, host, localPath, remotePath, direction, size); err != nil {
		return 0, err
	}

	progressPath := remotePath
	if direction == DirectionDownload {
		progressPath = localPath
	}

	var transferred atomic.Int64
	stopTicker := make(chan struct{})
	if progress != nil {
		go func() {
			ticker := time.NewTicker(e.opts.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					progress(Progress{Path: progressPath, Transferred: transferred.Load(), Total: size})
				case <-stopTicker:
					return
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ChunkConcurrency)

	for i := range chunks {
		ch := &chunks[i]
		g.Go(func() error {
			return e.transferChunk(gctx, host, localPath, remotePath, direction, ch, &transferred)
		})
	}

	err := g.Wait()
	close(stopTicker)

	if err != nil {
		return transferred.Load(), err
	}
	if progress != nil {
		progress(Progress{Path: progressPath, Transferred: size, Total: size, Done: true})
	}
	return size, nil
}

// prepareChunkTarget creates the destination file at its final location
// so concurrent offset writes have somewhere to land.
func (e *Executor) prepareChunkTarget(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, size int64) error {
	if direction == DirectionUpload {
		sess, err := e.pool.Lease(ctx, host)
		if err != nil {
			return err
		}
		if dir := path.Dir(remotePath); dir != "" && dir != "/" && dir != "." {
			if err := sess.MkdirAll(dir); err != nil {
				e.pool.Retire(sess)
				return &TransportError{Op: "mkdir", Path: dir, Chunk: -1, Err: err}
			}
		}
		f, err := sess.Create(remotePath)
		if err != nil {
			e.pool.Retire(sess)
			return &TransportError{Op: "create", Path: remotePath, Chunk: -1, Err: err}
		}
		if err := f.Close(); err != nil {
			e.pool.Retire(sess)
			return &TransportError{Op: "close", Path: remotePath, Chunk: -1, Err: err}
		}
		e.pool.Release(sess)
		return nil
	}

	if dir := filepath.Dir(localPath); dir != "" && dir != "/" && dir != "." {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create local directory %s: %w", dir, err)
		}
	}
	f, err := e.fs.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("failed to preallocate local file: %w", err)
	}
	return f.Close()
}

// transferChunk moves one chunk with the executor's short retry budget.
// A failed attempt rolls its partial bytes back out of the shared
// counter before retrying.
func (e *Executor) transferChunk(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, ch *ChunkRecord, transferred *atomic.Int64) error {
	ch.Status = ChunkActive

	err := Retry(ctx, e.retry, fmt.Sprintf("transfer chunk %d", ch.Index), func() error {
		if ch.Transferred > 0 {
			transferred.Add(-ch.Transferred)
			ch.Transferred = 0
		}
		return e.copyChunk(ctx, host, localPath, remotePath, direction, ch, transferred)
	})
	if err != nil {
		ch.Status = ChunkFailed
		return &TransportError{Op: string(direction), Path: remotePath, Chunk: ch.Index, Err: err}
	}

	ch.Status = ChunkDone
	return nil
}

func (e *Executor) copyChunk(ctx context.Context, host HostConfig, localPath, remotePath string, direction Direction, ch *ChunkRecord, transferred *atomic.Int64) error {
	sess, err := e.pool.Lease(ctx, host)
	if err != nil {
		return err
	}

	count := func(n int) {
		ch.Transferred += int64(n)
		transferred.Add(int64(n))
	}

	if direction == DirectionUpload {
		err = e.copyChunkUpload(ctx, sess, localPath, remotePath, ch, count)
	} else {
		err = e.copyChunkDownload(ctx, sess, localPath, remotePath, ch, count)
	}
	e.finish(sess, err)
	return err
}

func (e *Executor) copyChunkUpload(ctx context.Context, sess RemoteSession, localPath, remotePath string, ch *ChunkRecord, count func(int)) error {
	local, err := e.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	remote, err := sess.OpenWrite(remotePath)
	if err != nil {
		return err
	}

	src := io.NewSectionReader(local, ch.Offset, ch.Length)
	if _, err := copyChunkBytes(ctx, io.NewOffsetWriter(remote, ch.Offset), src, count); err != nil {
		remote.Close()
		return err
	}
	return remote.Close()
}

func (e *Executor) copyChunkDownload(ctx context.Context, sess RemoteSession, localPath, remotePath string, ch *ChunkRecord, count func(int)) error {
	remote, err := sess.Open(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	local, err := e.fs.OpenFile(localPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}

	src := io.NewSectionReader(remote, ch.Offset, ch.Length)
	if _, err := copyChunkBytes(ctx, io.NewOffsetWriter(local, ch.Offset), src, count); err != nil {
		local.Close()
		return err
	}
	return local.Close()
}

// copyChunkBytes copies src to dst checking cancellation between
// buffers, reporting written bytes through count.
func copyChunkBytes(ctx context.Context, dst io.Writer, src io.Reader, count func(int)) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if count != nil {
				count(wn)
			}
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// buildChunks slices size bytes into contiguous, non-overlapping
// ranges that sum to size. A zero-byte file yields a single empty
// chunk so the transfer still creates the target.
func buildChunks(size, chunkSize int64) []ChunkRecord {
	if size == 0 {
		return []ChunkRecord{{Index: 0, Offset: 0, Length: 0, Status: ChunkPending}}
	}

	n := int((size + chunkSize - 1) / chunkSize)
	chunks := make([]ChunkRecord, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		chunks = append(chunks, ChunkRecord{Index: i, Offset: offset, Length: length, Status: ChunkPending})
	}
	return chunks
}

// TransferDirectory moves a whole tree file-by-file, reporting per-file
// progress plus the overall byte count. Per-file failures are collected
// rather than aborting the remaining files; cancellation stops
// immediately.
func (e *Executor) TransferDirectory(ctx context.Context, host HostConfig, localDir, remoteDir string, direction Direction, progress ProgressFunc) (int64, error) {
	var snap *Snapshot
	var err error

	if direction == DirectionUpload {
		snap, err = SnapshotLocal(e.fs, localDir)
		if err != nil {
			return 0, err
		}
	} else {
		sess, lerr := e.pool.Lease(ctx, host)
		if lerr != nil {
			return 0, lerr
		}
		snap = SnapshotRemote(sess, remoteDir)
		e.pool.Release(sess)
	}

	var total int64
	for _, fi := range snap.Files {
		if !fi.IsDir {
			total += fi.Size
		}
	}

	var done int64
	var result *multierror.Error
	for _, err := range snap.Errs {
		result = multierror.Append(result, err)
	}

	for _, rel := range sortedPaths(snap.Files) {
		fi := snap.Files[rel]
		if err := ctx.Err(); err != nil {
			return done, err
		}

		localPath := filepath.Join(localDir, filepath.FromSlash(rel))
		remotePath := path.Join(remoteDir, rel)

		if fi.IsDir {
			if direction == DirectionDownload {
				if err := e.fs.MkdirAll(localPath, 0o755); err != nil {
					result = multierror.Append(result, err)
				}
			}
			continue
		}

		base := done
		n, terr := e.TransferFile(ctx, host, localPath, remotePath, direction, func(p Progress) {
			if progress != nil {
				progress(Progress{Path: p.Path, Transferred: base + p.Transferred, Total: total})
			}
		})
		done += n
		if terr != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			result = multierror.Append(result, terr)
		}
	}

	if progress != nil {
		progress(Progress{Path: remoteDir, Transferred: done, Total: total, Done: result.ErrorOrNil() == nil})
	}
	return done, result.ErrorOrNil()
}
