// Package fsbackend stores cache entries as zstd-compressed files under a
// root directory that may be shared by several engine processes.
//
// Layout:
//
//	<root>/entries/<fp[0:2]>/<fp>.entry   header line + zstd payload
//	<root>/locks/<fp>.lock                held while a process computes fp
//
// The header line is "sgc2 <checksum> <size>", where size is the length of
// the uncompressed data. List reports that size so the store's byte bound
// does not depend on compression.
package fsbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
)

const (
	magic    = "sgc2 "
	entryExt = ".entry"
	lockExt  = ".lock"
	breakExt = ".break"
	filePerm = 0o644
	dirPerm  = 0o755
	entryDir = "entries"
	lockDir  = "locks"
)

// Backend is a filesystem cache backend.
type Backend struct {
	root         string
	staleAfter   time.Duration
	pollInterval time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	_ cache.Backend = (*Backend)(nil)
	_ cache.Locker  = (*Backend)(nil)
)

// Option customizes a Backend.
type Option func(*Backend)

// WithStaleAfter sets how old a lock file must be before another process
// may break it. Held locks are refreshed at a third of this interval.
func WithStaleAfter(d time.Duration) Option {
	return func(b *Backend) { b.staleAfter = d }
}

// WithPollInterval sets how often a blocked Lock retries.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.pollInterval = d }
}

// New opens (creating if needed) a cache rooted at root.
func New(root string, opts ...Option) (*Backend, error) {
	if root == "" {
		return nil, errors.New("cache root directory is empty")
	}
	b := &Backend{root: root, staleAfter: 10 * time.Minute, pollInterval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(b)
	}
	if b.staleAfter <= 0 || b.pollInterval <= 0 {
		return nil, fmt.Errorf("lock intervals must be positive")
	}
	for _, dir := range []string{entryDir, lockDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), dirPerm); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	b.enc, b.dec = enc, dec
	return b, nil
}

// Close releases the codec resources.
func (b *Backend) Close() error {
	b.dec.Close()
	return b.enc.Close()
}

// Root returns the cache root directory.
func (b *Backend) Root() string { return b.root }

func (b *Backend) entryPath(fp fingerprint.Fingerprint) (string, error) {
	if !fp.Valid() {
		return "", fmt.Errorf("invalid fingerprint %q", fp)
	}
	s := fp.String()
	return filepath.Join(b.root, entryDir, s[:2], s+entryExt), nil
}

func (b *Backend) Read(_ context.Context, fp fingerprint.Fingerprint) ([]byte, model.Checksum, error) {
	path, err := b.entryPath(fp)
	if err != nil {
		return nil, "", err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", cache.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	line, payload, ok := bytes.Cut(raw, []byte("\n"))
	if !ok {
		return nil, "", fmt.Errorf("%w: %s has no header", cache.ErrCorrupt, filepath.Base(path))
	}
	h, err := parseHeader(line)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", cache.ErrCorrupt, filepath.Base(path), err)
	}

	data, err := b.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decompressing %s: %v", cache.ErrCorrupt, filepath.Base(path), err)
	}
	if int64(len(data)) != h.size {
		return nil, "", fmt.Errorf("%w: %s holds %d bytes, header says %d", cache.ErrCorrupt, filepath.Base(path), len(data), h.size)
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return data, h.sum, nil
}

func (b *Backend) Write(_ context.Context, fp fingerprint.Fingerprint, data []byte, sum model.Checksum) error {
	path, err := b.entryPath(fp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(header{sum: sum, size: int64(len(data))}.String())
	buf.WriteByte('\n')
	buf.Write(b.enc.EncodeAll(data, nil))

	return writeFileAtomic(path, buf.Bytes(), filePerm)
}

func (b *Backend) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	path, err := b.entryPath(fp)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cache.ErrNotFound
		}
		return err
	}
	return nil
}

func (b *Backend) List(_ context.Context) ([]cache.Listing, error) {
	var out []cache.Listing
	err := filepath.WalkDir(filepath.Join(b.root, entryDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		fp := fingerprint.Fingerprint(strings.TrimSuffix(d.Name(), entryExt))
		if !fp.Valid() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		size := info.Size()
		if h, err := readHeader(path); err == nil {
			size = h.size
		}
		out = append(out, cache.Listing{Fingerprint: fp, Size: size, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	return out, nil
}

// Lock takes the cross-process token for fp using an exclusively created
// lock file. Locks older than the stale interval are broken.
func (b *Backend) Lock(ctx context.Context, fp fingerprint.Fingerprint) (func(), error) {
	if !fp.Valid() {
		return nil, fmt.Errorf("invalid fingerprint %q", fp)
	}
	path := filepath.Join(b.root, lockDir, fp.String()+lockExt)
	owner := fmt.Sprintf("%d %s\n", os.Getpid(), uuid.NewString())

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_, _ = f.WriteString(owner)
			_ = f.Close()
			return b.heartbeat(path), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		if b.breakStale(path) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// breakStale removes the lock at path if it is stale. Breakers are
// serialized by a guard file. Under the guard the lock must still be the
// same stale file that was observed; it is then renamed to a unique
// tombstone and removed.
func (b *Backend) breakStale(path string) bool {
	seen, err := os.Stat(path)
	if err != nil || time.Since(seen.ModTime()) <= b.staleAfter {
		return false
	}

	guard := path + breakExt
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		if info, serr := os.Stat(guard); serr == nil && time.Since(info.ModTime()) > b.staleAfter {
			_ = os.Remove(guard)
		}
		return false
	}
	_ = g.Close()
	defer func() { _ = os.Remove(guard) }()

	cur, err := os.Stat(path)
	if err != nil || !os.SameFile(seen, cur) || time.Since(cur.ModTime()) <= b.staleAfter {
		return false
	}
	tomb := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		return false
	}
	_ = os.Remove(tomb)
	return true
}

// heartbeat keeps a held lock fresh until the returned func is called.
func (b *Backend) heartbeat(path string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(b.staleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				_ = os.Chtimes(path, t, t)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		_ = os.Remove(path)
	}
}

type header struct {
	sum  model.Checksum
	size int64
}

func (h header) String() string {
	return magic + string(h.sum) + " " + strconv.FormatInt(h.size, 10)
}

func parseHeader(line []byte) (header, error) {
	rest, ok := strings.CutPrefix(string(line), magic)
	if !ok {
		return header{}, errors.New("bad header magic")
	}
	sum, sizeText, ok := strings.Cut(rest, " ")
	if !ok {
		return header{}, errors.New("header has no size")
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || size < 0 {
		return header{}, fmt.Errorf("bad header size %q", sizeText)
	}
	return header{sum: model.Checksum(sum), size: size}, nil
}

// readHeader reads only the header line of an entry file.
func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer f.Close()
	buf := make([]byte, 256)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return header{}, err
	}
	line, _, ok := bytes.Cut(buf[:n], []byte("\n"))
	if !ok {
		return header{}, errors.New("header line too long")
	}
	return parseHeader(line)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
