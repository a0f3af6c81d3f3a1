// Package filetransfer moves files and directory trees between the
// control plane and rented machines over SFTP. The directory mirror is
// incremental (size+mtime comparison) and drives the workspace sync
// between GPU instances and their CPU standbys.
package filetransfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second

	// copyChunkSize is the unit the bandwidth limiter meters in
	copyChunkSize = 256 * 1024
)

// DefaultExcludes are path patterns skipped by the workspace mirror.
// Directory names match any path segment; glob patterns match file names.
var DefaultExcludes = []string{
	".git", "__pycache__", ".cache", "node_modules", ".venv", "venv",
	"*.log", "*.tmp",
}

// Credentials holds SSH connection details for file transfer
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// MirrorResult summarizes one directory mirror pass
type MirrorResult struct {
	FilesCopied  int
	FilesDeleted int
	BytesCopied  int64
	Duration     time.Duration
}

// Transfer handles file and directory transfers over SSH/SFTP
type Transfer struct {
	creds          Credentials
	connectTimeout time.Duration
	excludes       []string
	limiter        *rate.Limiter // nil means unlimited
}

// Option configures a Transfer instance
type Option func(*Transfer)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		t.connectTimeout = d
	}
}

// WithExcludes replaces the default exclude patterns
func WithExcludes(patterns []string) Option {
	return func(t *Transfer) {
		t.excludes = patterns
	}
}

// WithBandwidthLimit caps mirror throughput in bytes per second.
// Zero or negative means unlimited.
func WithBandwidthLimit(bytesPerSec int64) Option {
	return func(t *Transfer) {
		if bytesPerSec > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), copyChunkSize)
		}
	}
}

// New creates a new Transfer instance with the given credentials
func New(creds Credentials, opts ...Option) *Transfer {
	t := &Transfer{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
		excludes:       DefaultExcludes,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Upload copies a local file to the remote host
func (t *Transfer) Upload(ctx context.Context, localPath, remotePath string) error {
	if localPath == "" {
		return fmt.Errorf("local path cannot be empty")
	}
	if remotePath == "" {
		return fmt.Errorf("remote path cannot be empty")
	}

	localInfo, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	if localInfo.IsDir() {
		return fmt.Errorf("local path is a directory, not a file")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	if _, err := t.writeRemote(ctx, sftpClient, localFile, remotePath); err != nil {
		return err
	}
	return nil
}

// Download copies a remote file to the local filesystem
func (t *Transfer) Download(ctx context.Context, remotePath, localPath string) error {
	if remotePath == "" {
		return fmt.Errorf("remote path cannot be empty")
	}
	if localPath == "" {
		return fmt.Errorf("local path cannot be empty")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if dir := filepath.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if _, err := t.copy(ctx, localFile, remoteFile); err != nil {
		localFile.Close()
		os.Remove(localPath)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return localFile.Close()
}

// Pull mirrors a remote directory into a local one. Files are copied
// when missing locally or when size or mtime differ; local files absent
// on the remote are deleted so deletions propagate.
func (t *Transfer) Pull(ctx context.Context, remoteDir, localDir string) (*MirrorResult, error) {
	if remoteDir == "" || localDir == "" {
		return nil, fmt.Errorf("remote and local directories cannot be empty")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	start := time.Now()
	result := &MirrorResult{}

	if err := os.MkdirAll(localDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}

	seen := make(map[string]struct{})

	walker := sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("remote walk failed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel, err := relPath(remoteDir, walker.Path())
		if err != nil || rel == "." {
			continue
		}
		if t.excluded(rel) {
			if walker.Stat().IsDir() {
				walker.SkipDir()
			}
			continue
		}

		localPath := filepath.Join(localDir, filepath.FromSlash(rel))
		info := walker.Stat()

		if info.IsDir() {
			seen[rel] = struct{}{}
			if err := os.MkdirAll(localPath, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		seen[rel] = struct{}{}
		if !needsCopy(localPath, info.Size(), info.ModTime()) {
			continue
		}

		remoteFile, err := sftpClient.Open(walker.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", walker.Path(), err)
		}
		n, err := t.writeLocal(ctx, remoteFile, localPath, info.ModTime())
		remoteFile.Close()
		if err != nil {
			return nil, err
		}
		result.FilesCopied++
		result.BytesCopied += n
	}

	deleted, err := deleteLocalStale(localDir, seen)
	if err != nil {
		return nil, err
	}
	result.FilesDeleted = deleted
	result.Duration = time.Since(start)
	return result, nil
}

// Push mirrors a local directory onto a remote one, the inverse of Pull
func (t *Transfer) Push(ctx context.Context, localDir, remoteDir string) (*MirrorResult, error) {
	if localDir == "" || remoteDir == "" {
		return nil, fmt.Errorf("local and remote directories cannot be empty")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	start := time.Now()
	result := &MirrorResult{}

	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return nil, fmt.Errorf("failed to create remote directory: %w", err)
	}

	seen := make(map[string]struct{})

	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if t.excluded(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		remotePath := path.Join(remoteDir, rel)
		if d.IsDir() {
			seen[rel] = struct{}{}
			return sftpClient.MkdirAll(remotePath)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		seen[rel] = struct{}{}
		if remoteInfo, err := sftpClient.Stat(remotePath); err == nil {
			if remoteInfo.Size() == info.Size() && sameMtime(remoteInfo.ModTime(), info.ModTime()) {
				return nil
			}
		}

		localFile, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p, err)
		}
		defer localFile.Close()

		n, err := t.writeRemote(ctx, sftpClient, localFile, remotePath)
		if err != nil {
			return err
		}
		_ = sftpClient.Chtimes(remotePath, info.ModTime(), info.ModTime())

		result.FilesCopied++
		result.BytesCopied += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	deleted, err := t.deleteRemoteStale(sftpClient, remoteDir, seen)
	if err != nil {
		return nil, err
	}
	result.FilesDeleted = deleted
	result.Duration = time.Since(start)
	return result, nil
}

// ListRemoteDir lists files in a remote directory
func (t *Transfer) ListRemoteDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("remote path cannot be empty")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	files, err := sftpClient.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}
	return files, nil
}

// RemoteFileExists checks if a file exists on the remote host
func (t *Transfer) RemoteFileExists(ctx context.Context, remotePath string) (bool, error) {
	if remotePath == "" {
		return false, fmt.Errorf("remote path cannot be empty")
	}

	client, sftpClient, err := t.connect(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()
	defer sftpClient.Close()

	_, err = sftpClient.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat remote file: %w", err)
	}
	return true, nil
}

// connect establishes the SSH connection and an SFTP client over it
func (t *Transfer) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	if err := t.creds.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(t.creds.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: t.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Commodity GPUs have unknown/dynamic host keys
		Timeout:         t.connectTimeout,
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	addr := fmt.Sprintf("%s:%d", t.creds.Host, t.creds.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	return client, sftpClient, nil
}

// excluded reports whether any segment of rel matches an exclude pattern
func (t *Transfer) excluded(rel string) bool {
	for _, segment := range strings.Split(rel, "/") {
		for _, pattern := range t.excludes {
			if segment == pattern {
				return true
			}
			if matched, _ := path.Match(pattern, segment); matched {
				return true
			}
		}
	}
	return false
}

func (t *Transfer) writeLocal(ctx context.Context, src io.Reader, localPath string, mtime time.Time) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	n, err := t.copy(ctx, f, src)
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return 0, fmt.Errorf("failed to copy to %s: %w", localPath, err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	_ = os.Chtimes(localPath, mtime, mtime)
	return n, nil
}

func (t *Transfer) writeRemote(ctx context.Context, sftpClient *sftp.Client, src io.Reader, remotePath string) (int64, error) {
	if dir := path.Dir(remotePath); dir != "" && dir != "." && dir != "/" {
		_ = sftpClient.MkdirAll(dir)
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}

	n, err := t.copy(ctx, f, src)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to copy to %s: %w", remotePath, err)
	}
	return n, f.Close()
}

// copy streams src to dst in chunks, metering through the bandwidth
// limiter when one is configured and honoring cancellation between chunks
func (t *Transfer) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if t.limiter != nil {
				if err := t.limiter.WaitN(ctx, n); err != nil {
					return total, err
				}
			}
			written, writeErr := dst.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

func (t *Transfer) deleteRemoteStale(sftpClient *sftp.Client, remoteDir string, seen map[string]struct{}) (int, error) {
	deleted := 0
	var stale []string

	walker := sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return deleted, fmt.Errorf("remote walk failed: %w", err)
		}
		rel, err := relPath(remoteDir, walker.Path())
		if err != nil || rel == "." {
			continue
		}
		if t.excluded(rel) {
			if walker.Stat().IsDir() {
				walker.SkipDir()
			}
			continue
		}
		if _, ok := seen[rel]; !ok {
			stale = append(stale, walker.Path())
			if walker.Stat().IsDir() {
				walker.SkipDir()
			}
		}
	}

	// Children before parents
	for i := len(stale) - 1; i >= 0; i-- {
		if err := removeRemoteAll(sftpClient, stale[i]); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func removeRemoteAll(sftpClient *sftp.Client, p string) error {
	info, err := sftpClient.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		entries, err := sftpClient.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := removeRemoteAll(sftpClient, path.Join(p, e.Name())); err != nil {
				return err
			}
		}
	}
	return sftpClient.Remove(p)
}

func deleteLocalStale(localDir string, seen map[string]struct{}) (int, error) {
	var stale []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil || rel == "." {
			return nil
		}
		if _, ok := seen[filepath.ToSlash(rel)]; !ok {
			stale = append(stale, p)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// needsCopy reports whether the local copy is missing or differs in
// size or mtime from the remote original
func needsCopy(localPath string, size int64, mtime time.Time) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		return true
	}
	return info.Size() != size || !sameMtime(info.ModTime(), mtime)
}

// sameMtime compares modification times at second granularity because
// SFTP servers commonly truncate sub-second precision
func sameMtime(a, b time.Time) bool {
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// relPath computes the slash-separated path of p relative to base for
// remote (always slash-separated) paths
func relPath(base, p string) (string, error) {
	base = path.Clean(base)
	p = path.Clean(p)
	if p == base {
		return ".", nil
	}
	if !strings.HasPrefix(p, base+"/") {
		return "", fmt.Errorf("%s is not under %s", p, base)
	}
	return strings.TrimPrefix(p, base+"/"), nil
}
