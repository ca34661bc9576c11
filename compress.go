package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrRemoteToolMissing signals that the remote host lacks the
// decompression tool; callers fall back to an uncompressed transfer.
var ErrRemoteToolMissing = errors.New("remote decompression tool not available")

// Compressor implements the file-level compression strategy: eligible
// uploads are gzipped to a temporary artifact, the executor moves the
// artifact, and a remote decompression command restores the file in
// place. Transport-level compression is a session property owned by
// the dialer and is never decided per file.
type Compressor struct {
	fs     afero.Fs
	opts   CompressionOptions
	logger *logrus.Logger

	extensions map[string]struct{}
}

// NewCompressor creates a compression strategy over the given local
// filesystem.
func NewCompressor(fsys afero.Fs, opts CompressionOptions, logger *logrus.Logger) *Compressor {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	extensions := make(map[string]struct{}, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		extensions[strings.ToLower(ext)] = struct{}{}
	}

	return &Compressor{
		fs:         fsys,
		opts:       opts,
		logger:     logger,
		extensions: extensions,
	}
}

// Eligible reports whether a file qualifies for compression: at or
// above the size threshold with a compressible extension.
func (c *Compressor) Eligible(localPath string, size int64) bool {
	if size < c.opts.MinSize {
		return false
	}
	ext := strings.ToLower(filepath.Ext(localPath))
	_, ok := c.extensions[ext]
	return ok
}

// remoteGzipAvailable probes the remote execution channel for gzip.
func (c *Compressor) remoteGzipAvailable(ctx context.Context, sess RemoteSession) (bool, error) {
	res, err := sess.Exec(ctx, "command -v gzip")
	if err != nil {
		return false, fmt.Errorf("failed to probe remote gzip: %w", err)
	}
	return res.ExitStatus == 0, nil
}

// compressToTemp gzips localPath into a temporary file and returns the
// artifact path and size.
func (c *Compressor) compressToTemp(localPath string) (string, int64, error) {
	src, err := c.fs.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	tmp, err := afero.TempFile(c.fs, "", "sftpsync-*.gz")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create compression artifact: %w", err)
	}
	tmpName := tmp.Name()

	gw := gzip.NewWriter(tmp)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		tmp.Close()
		c.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to compress %s: %w", localPath, err)
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		c.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to finalize compression: %w", err)
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(tmpName)
		return "", 0, err
	}

	info, err := c.fs.Stat(tmpName)
	if err != nil {
		c.fs.Remove(tmpName)
		return "", 0, err
	}

	c.logger.WithFields(logrus.Fields{
		"path":       localPath,
		"compressed": info.Size(),
	}).Debug("compressed transfer artifact")
	return tmpName, info.Size(), nil
}

// decompressRemote runs gzip -d on the uploaded artifact, bounded by
// the configured command timeout. Non-zero exits surface as a typed
// DecompressionError carrying the exit status and captured stderr.
func (c *Compressor) decompressRemote(ctx context.Context, sess RemoteSession, remoteArtifact string) error {
	cmd := fmt.Sprintf("gzip -d -f %s", shellQuote(remoteArtifact))

	cmdCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	res, err := sess.Exec(cmdCtx, cmd)
	if err != nil {
		if cmdCtx.Err() != nil && ctx.Err() == nil {
			return &DecompressionError{Command: cmd, Timeout: true}
		}
		return err
	}
	if res.ExitStatus != 0 {
		return &DecompressionError{
			Command:    cmd,
			ExitStatus: res.ExitStatus,
			Stderr:     strings.TrimSpace(string(res.Stderr)),
		}
	}
	return nil
}
