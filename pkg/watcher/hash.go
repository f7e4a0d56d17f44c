// Package watcher turns raw filesystem notifications into semantic file events.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultCacheLimit is the largest file whose content is cached in memory.
const DefaultCacheLimit int64 = 10 * 1024 * 1024

// HashContent computes the SHA-256 hash of data.
func HashContent(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashFile computes the SHA-256 hash of a file by streaming its content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Snapshot is the observed state of a file at one point in time.
// An empty Hash means the file could not be read.
type Snapshot struct {
	Exists  bool
	Size    int64
	Hash    string
	Content []byte // nil when the file is above the cache limit
}

// Hasher fingerprints files, keeping content only for files at or below Limit.
type Hasher struct {
	Limit int64
}

// Snapshot reads the file at path. Content is kept only when the whole file
// fits within the limit; the decision is made on the bytes actually read, so a
// file that grows after the stat is still hashed without being cached.
// I/O errors degrade to a snapshot without hash rather than failing.
func (h Hasher) Snapshot(path string) Snapshot {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Snapshot{}
	}

	snap := Snapshot{Exists: true, Size: info.Size()}
	f, err := os.Open(path)
	if err != nil {
		return snap
	}
	defer f.Close()

	read, err := h.fingerprint(f)
	if err != nil {
		return snap
	}
	return read
}

// fingerprint hashes r in one pass, buffering at most limit+1 bytes.
func (h Hasher) fingerprint(r io.Reader) (Snapshot, error) {
	limit := h.limit()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Snapshot{}, err
	}
	if int64(len(data)) <= limit {
		return Snapshot{
			Exists:  true,
			Size:    int64(len(data)),
			Hash:    HashContent(data),
			Content: data,
		}, nil
	}

	hasher := sha256.New()
	hasher.Write(data)
	rest, err := io.Copy(hasher, r)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Exists: true,
		Size:   int64(len(data)) + rest,
		Hash:   hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (h Hasher) limit() int64 {
	if h.Limit <= 0 {
		return DefaultCacheLimit
	}
	return h.Limit
}
