package sftpsync

import (
	"time"

	"github.com/sirupsen/logrus"
)

// AuthMethod represents the SSH authentication method to use.
type AuthMethod string

const (
	// AuthMethodPrivateKey uses SSH private key authentication (default).
	AuthMethodPrivateKey AuthMethod = "private_key"
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodCertificate uses SSH certificate authentication.
	AuthMethodCertificate AuthMethod = "certificate"
)

// HopConfig describes one intermediate host in a jump chain. Each hop
// carries its own auth material; fields left empty fall back to the
// target host's credentials.
type HopConfig struct {
	// Host is the hop hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username. Falls back to the target user if empty.
	User string

	// PrivateKey is the SSH private key content (PEM encoded).
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	KeyPath string

	// Password is the SSH password for password authentication.
	Password string
}

// HostConfig identifies a remote endpoint together with the chain of
// jump hosts a session must tunnel through to reach it. It is the
// pooling key: two configs with the same identity share pooled sessions.
type HostConfig struct {
	// Host is the target SSH server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	// If not set, it will be inferred from the provided credentials.
	AuthMethod AuthMethod

	// PrivateKey is the SSH private key content (PEM encoded).
	// Mutually exclusive with KeyPath.
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	// Mutually exclusive with PrivateKey.
	KeyPath string

	// Password is the SSH password for password authentication.
	Password string

	// Certificate is the SSH certificate content.
	// Used with PrivateKey or KeyPath for certificate authentication.
	Certificate string

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string

	// Hops is the ordered chain of jump hosts to tunnel through before
	// reaching Host. Empty means a direct connection.
	Hops []HopConfig

	// Timeout is the per-hop connection timeout (default 30s).
	Timeout time.Duration

	// KnownHostsFile is the path to a known_hosts file for host key
	// verification. If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool
}

// WithDefaults returns a copy of the config with default values applied.
func (c HostConfig) WithDefaults() HostConfig {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Hops) > 0 {
		hops := make([]HopConfig, len(c.Hops))
		copy(hops, c.Hops)
		for i := range hops {
			if hops[i].Port == 0 {
				hops[i].Port = 22
			}
			if hops[i].User == "" {
				hops[i].User = c.User
			}
		}
		c.Hops = hops
	}
	return c
}

// Addr returns the host:port address of the final target.
func (c HostConfig) Addr() string {
	cfg := c.WithDefaults()
	return joinHostPort(cfg.Host, cfg.Port)
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	// MaxPerIdentity caps concurrent physical connections per host
	// identity (default 1). Lease calls beyond the cap block until a
	// session is released or retired.
	MaxPerIdentity int

	// MaxIdleTime is how long idle sessions are kept before eviction
	// (default 5m).
	MaxIdleTime time.Duration

	// Logger receives pool lifecycle logs. Defaults to the standard
	// logrus logger.
	Logger *logrus.Logger
}

// WithDefaults returns a copy of the config with default values applied.
func (c PoolConfig) WithDefaults() PoolConfig {
	if c.MaxPerIdentity == 0 {
		c.MaxPerIdentity = 1
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// TransferOptions configures the chunked transfer executor.
type TransferOptions struct {
	// ChunkThreshold is the file size at which transfers switch to
	// parallel chunks (default 100 MiB).
	ChunkThreshold int64

	// ChunkSize is the size of each chunk (default 10 MiB).
	ChunkSize int64

	// ChunkConcurrency is the number of chunks in flight at once
	// (default 5). Each in-flight chunk leases its own pool session, so
	// the pool's per-identity cap should be at least this large for
	// chunking to run in parallel.
	ChunkConcurrency int

	// ChunkRetries is the per-chunk retry budget for transient I/O
	// errors (default 2).
	ChunkRetries int

	// DisableChunking forces all files through the sequential stream
	// path regardless of size.
	DisableChunking bool

	// ProgressInterval bounds how often progress callbacks fire for a
	// single transfer (default 5s). Completion is always reported.
	ProgressInterval time.Duration
}

// WithDefaults returns a copy of the options with default values applied.
func (o TransferOptions) WithDefaults() TransferOptions {
	if o.ChunkThreshold == 0 {
		o.ChunkThreshold = 100 * 1024 * 1024
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 10 * 1024 * 1024
	}
	if o.ChunkConcurrency == 0 {
		o.ChunkConcurrency = 5
	}
	if o.ChunkRetries == 0 {
		o.ChunkRetries = 2
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = 5 * time.Second
	}
	return o
}

// CompressionOptions configures file-level compression on upload.
// Transport-level compression is a session property handled by the
// dialer, not a per-file decision.
type CompressionOptions struct {
	// Enabled turns on the file-level compression strategy.
	Enabled bool

	// MinSize is the smallest file considered for compression
	// (default 50 MiB).
	MinSize int64

	// Extensions is the set of file extensions eligible for
	// compression. Defaults to common text and code formats.
	Extensions []string

	// CommandTimeout bounds the remote decompression command
	// (default 5m).
	CommandTimeout time.Duration
}

// WithDefaults returns a copy of the options with default values applied.
func (o CompressionOptions) WithDefaults() CompressionOptions {
	if o.MinSize == 0 {
		o.MinSize = 50 * 1024 * 1024
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{
			".txt", ".log", ".csv", ".tsv", ".json", ".xml", ".html", ".css",
			".js", ".ts", ".md", ".yaml", ".yml", ".sql", ".go", ".py",
			".java", ".c", ".h", ".sh",
		}
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	return o
}

// ChecksumAlgorithm selects the digest used for integrity verification.
type ChecksumAlgorithm string

const (
	// ChecksumMD5 verifies with MD5 (md5sum on the remote side).
	ChecksumMD5 ChecksumAlgorithm = "md5"
	// ChecksumSHA256 verifies with SHA-256 (sha256sum on the remote side).
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
)

// VerifyOptions configures post-transfer integrity verification.
type VerifyOptions struct {
	// Enabled turns on checksum verification after each file transfer.
	Enabled bool

	// Algorithm is the checksum algorithm (default sha256).
	Algorithm ChecksumAlgorithm

	// MinSize skips verification for files smaller than this.
	MinSize int64

	// CommandTimeout bounds the remote checksum command (default 5m).
	CommandTimeout time.Duration
}

// WithDefaults returns a copy of the options with default values applied.
func (o VerifyOptions) WithDefaults() VerifyOptions {
	if o.Algorithm == "" {
		o.Algorithm = ChecksumSHA256
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	return o
}

// SyncOptions configures delta-sync planning for directory tasks.
type SyncOptions struct {
	// DeleteRemote removes remote files that no longer exist locally.
	// Deletions are applied only after all uploads have landed.
	DeleteRemote bool

	// Exclude is a list of patterns matched against relative paths.
	// Each pattern is tried as a regular expression; patterns that do
	// not compile fall back to substring matching. A match excludes the
	// path from upload, delete, and unchanged accounting entirely.
	Exclude []string

	// DryRun computes the plan without transferring or deleting.
	DryRun bool
}

// RetryPolicy configures task-level retry in the transfer queue.
type RetryPolicy struct {
	// Enabled turns on retry for failed tasks.
	Enabled bool

	// MaxRetries is the maximum number of retry attempts (default 3).
	MaxRetries int

	// BaseDelay is the delay before the first retry (default 1s).
	BaseDelay time.Duration

	// Multiplier is the exponential backoff multiplier (default 2.0).
	Multiplier float64

	// MaxDelay caps the computed backoff delay (default 30s).
	MaxDelay time.Duration
}

// WithDefaults returns a copy of the policy with default values applied.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the backoff delay before the attempt following the
// given number of failures: BaseDelay * Multiplier^(failures-1), capped
// at MaxDelay.
func (p RetryPolicy) Delay(failures int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < failures; i++ {
		d *= p.Multiplier
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// QueueConfig configures the transfer queue scheduler.
type QueueConfig struct {
	// MaxConcurrent is the number of tasks running at once (default 4).
	MaxConcurrent int

	// EventBuffer is the size of the event channel (default 64).
	// Progress ticks are dropped on overflow; state change events are
	// never dropped.
	EventBuffer int

	// Retry is the task-level retry policy.
	Retry RetryPolicy

	// Transfer configures the chunked transfer executor.
	Transfer TransferOptions

	// Compression configures the file-level compression strategy.
	Compression CompressionOptions

	// Verify configures post-transfer integrity verification.
	Verify VerifyOptions

	// HistoryLimit caps the number of terminal tasks kept queryable in
	// memory (default 1000).
	HistoryLimit int

	// Logger receives scheduler logs. Defaults to the standard logrus
	// logger.
	Logger *logrus.Logger
}

// WithDefaults returns a copy of the config with default values applied.
func (c QueueConfig) WithDefaults() QueueConfig {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 1000
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	c.Retry = c.Retry.WithDefaults()
	c.Transfer = c.Transfer.WithDefaults()
	c.Compression = c.Compression.WithDefaults()
	c.Verify = c.Verify.WithDefaults()
	return c
}
