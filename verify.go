package sftpsync

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Verifier compares local and remote file checksums after a transfer.
// The local digest is streamed; the remote digest comes from running
// the platform checksum tool over the execution channel, so a second
// full download is never needed.
type Verifier struct {
	fs     afero.Fs
	opts   VerifyOptions
	logger *logrus.Logger
}

// NewVerifier creates a verifier over the given local filesystem.
func NewVerifier(fsys afero.Fs, opts VerifyOptions, logger *logrus.Logger) *Verifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{
		fs:     fsys,
		opts:   opts.WithDefaults(),
		logger: logger,
	}
}

// Verify checks that the remote copy of a file matches the local one.
// Files below the configured minimum size are skipped. A digest
// disagreement returns *VerificationMismatch; failures to compute
// either digest are ordinary errors.
func (v *Verifier) Verify(ctx context.Context, sess RemoteSession, localPath, remotePath string) error {
	if !v.opts.Enabled {
		return nil
	}

	info, err := v.fs.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	if info.Size() < v.opts.MinSize {
		return nil
	}

	local, err := v.localChecksum(localPath)
	if err != nil {
		return err
	}

	remote, err := v.remoteChecksum(ctx, sess, remotePath)
	if err != nil {
		return err
	}

	if local != remote {
		return &VerificationMismatch{
			Path:      remotePath,
			Algorithm: v.opts.Algorithm,
			Local:     local,
			Remote:    remote,
		}
	}

	v.logger.WithFields(logrus.Fields{
		"path":      remotePath,
		"algorithm": v.opts.Algorithm,
	}).Debug("checksum verified")
	return nil
}

// localChecksum streams the local file through the configured digest.
func (v *Verifier) localChecksum(localPath string) (string, error) {
	f, err := v.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	var h hash.Hash
	switch v.opts.Algorithm {
	case ChecksumMD5:
		h = md5.New()
	case ChecksumSHA256:
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm: %s", v.opts.Algorithm)
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash local file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// remoteChecksum runs the platform checksum tool over the execution
// channel and parses its output.
func (v *Verifier) remoteChecksum(ctx context.Context, sess RemoteSession, remotePath string) (string, error) {
	var tool string
	switch v.opts.Algorithm {
	case ChecksumMD5:
		tool = "md5sum"
	case ChecksumSHA256:
		tool = "sha256sum"
	default:
		return "", fmt.Errorf("unsupported checksum algorithm: %s", v.opts.Algorithm)
	}

	cmd := fmt.Sprintf("%s %s", tool, shellQuote(remotePath))

	cmdCtx, cancel := context.WithTimeout(ctx, v.opts.CommandTimeout)
	defer cancel()

	res, err := sess.Exec(cmdCtx, cmd)
	if err != nil {
		return "", fmt.Errorf("failed to run remote checksum: %w", err)
	}
	if res.ExitStatus != 0 {
		return "", fmt.Errorf("remote checksum failed (exit %d): %s", res.ExitStatus, strings.TrimSpace(string(res.Stderr)))
	}

	sum, err := parseHash(string(res.Stdout))
	if err != nil {
		return "", fmt.Errorf("failed to parse %s output: %w", tool, err)
	}
	return sum, nil
}

// parseHash extracts the digest from checksum tool output. The digest
// is the first whitespace-separated field; some implementations prefix
// the line with a backslash when the filename contains escapes.
func parseHash(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum output")
	}
	sum := strings.ToLower(strings.TrimPrefix(fields[0], "\\"))
	if sum == "" || !isHex(sum) {
		return "", fmt.Errorf("malformed checksum output: %q", out)
	}
	return sum, nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
