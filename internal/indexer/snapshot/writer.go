// Package snapshot persists shard snapshots as .spsn files so a node can
// rebuild its shards after a restart. A file is a fixed binary header, a
// JSON body holding the shard state and a footer with the body checksum.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
)

const (
	MagicBytes    uint32 = 0x5350534E // "SPSN"
	FormatVersion uint32 = 1
	HeaderSize    int    = 32
	FooterSize    int    = 12
	fileExt              = ".spsn"
)

// Header is the 32-byte header at the start of every snapshot file.
type Header struct {
	Magic      uint32
	Version    uint32
	ShardID    uint32
	DocCount   uint32
	AppliedSeq int64
	CreatedAt  int64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.ShardID)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.AppliedSeq))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.CreatedAt))
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		ShardID:    binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		AppliedSeq: int64(binary.LittleEndian.Uint64(b[16:24])),
		CreatedAt:  int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Store reads and writes snapshot files under dataDir/<index>/shard-<n>/.
type Store struct {
	dataDir string
	logger  *slog.Logger
}

func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		logger:  slog.Default().With("component", "snapshot-store"),
	}
}

func (s *Store) shardDir(indexName string, shardID int) string {
	return filepath.Join(s.dataDir, indexName, fmt.Sprintf("shard-%d", shardID))
}

// Save atomically writes snap. It writes to a .tmp file first and renames
// on success.
func (s *Store) Save(snap *shard.Snapshot) (string, error) {
	dir := s.shardDir(snap.Index, snap.ShardID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}
	finalPath := filepath.Join(dir, fmt.Sprintf("snap_%020d%s", snap.AppliedSeq, fileExt))
	tmpPath := finalPath + ".tmp"

	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %w", err)
	}
	header := Header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		ShardID:    uint32(snap.ShardID),
		DocCount:   uint32(len(snap.Docs)),
		AppliedSeq: snap.AppliedSeq,
		CreatedAt:  time.Now().Unix(),
	}
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(body))
	binary.LittleEndian.PutUint64(footer[4:12], uint64(len(body)))

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp snapshot file: %w", err)
	}
	defer f.Close()
	for _, part := range [][]byte{header.encode(), body, footer} {
		if _, err := f.Write(part); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("writing snapshot: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing snapshot file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming snapshot file: %w", err)
	}
	s.logger.Debug("snapshot written",
		"index", snap.Index,
		"shard_id", snap.ShardID,
		"applied_seq", snap.AppliedSeq,
		"docs", len(snap.Docs),
		"bytes", HeaderSize+len(body)+FooterSize,
	)
	return finalPath, nil
}

// Prune keeps the newest keep snapshots of a shard and removes the rest.
func (s *Store) Prune(indexName string, shardID, keep int) (int, error) {
	files, err := s.list(indexName, shardID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(files)-keep; i++ {
		if err := os.Remove(files[i]); err != nil {
			return removed, fmt.Errorf("removing snapshot %s: %w", files[i], err)
		}
		removed++
	}
	return removed, nil
}

// RemoveIndex deletes every snapshot of an index.
func (s *Store) RemoveIndex(indexName string) error {
	if err := os.RemoveAll(filepath.Join(s.dataDir, indexName)); err != nil {
		return fmt.Errorf("removing snapshots of %s: %w", indexName, err)
	}
	return nil
}
