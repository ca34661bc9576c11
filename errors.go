package sftpsync

import "fmt"

// ConnectError reports a failure to establish a session, including which
// hop of the jump chain failed. Hop is the zero-based index into the
// chain; the final target counts as the last hop.
type ConnectError struct {
	Hop  int
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect hop %d (%s): %v", e.Hop, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure mid-transfer. Chunk is the
// chunk index for chunked transfers, or -1 for sequential streams.
type TransportError struct {
	Op    string
	Path  string
	Chunk int
	Err   error
}

func (e *TransportError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s %s: chunk %d: %v", e.Op, e.Path, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecompressionError reports a failed or timed out remote decompression
// command, carrying the exit status and captured stderr.
type DecompressionError struct {
	Command    string
	ExitStatus int
	Stderr     string
	Timeout    bool
}

func (e *DecompressionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("remote decompression timed out: %s", e.Command)
	}
	return fmt.Sprintf("remote decompression failed (exit %d): %s: %s", e.ExitStatus, e.Command, e.Stderr)
}

// VerificationMismatch reports a checksum disagreement between the local
// and remote copies of a file. It is distinct from a transport failure:
// the transfer itself succeeded, but the content differs.
type VerificationMismatch struct {
	Path      string
	Algorithm ChecksumAlgorithm
	Local     string
	Remote    string
}

func (e *VerificationMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (%s): local %s, remote %s", e.Path, e.Algorithm, e.Local, e.Remote)
}
