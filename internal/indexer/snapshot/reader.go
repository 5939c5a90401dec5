package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
)

// ErrCorrupt is returned for files that fail header or checksum validation.
var ErrCorrupt = errors.New("corrupt snapshot file")

// Read decodes and validates one snapshot file.
func Read(path string) (*shard.Snapshot, Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("reading snapshot file: %w", err)
	}
	if len(data) < HeaderSize+FooterSize {
		return nil, Header{}, fmt.Errorf("%s: %d bytes: %w", path, len(data), ErrCorrupt)
	}
	header := decodeHeader(data[:HeaderSize])
	if header.Magic != MagicBytes {
		return nil, header, fmt.Errorf("%s: bad magic bytes %x: %w", path, header.Magic, ErrCorrupt)
	}
	if header.Version != FormatVersion {
		return nil, header, fmt.Errorf("%s: unsupported format version %d: %w", path, header.Version, ErrCorrupt)
	}
	footer := data[len(data)-FooterSize:]
	checksum := binary.LittleEndian.Uint32(footer[0:4])
	size := int(binary.LittleEndian.Uint64(footer[4:12]))
	body := data[HeaderSize : len(data)-FooterSize]
	if size != len(body) || crc32.ChecksumIEEE(body) != checksum {
		return nil, header, fmt.Errorf("%s: checksum mismatch: %w", path, ErrCorrupt)
	}
	var snap shard.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, header, fmt.Errorf("parsing snapshot body: %w", err)
	}
	return &snap, header, nil
}

// list returns a shard's snapshot files, oldest first. The zero-padded
// sequence number in the name makes lexical order match sequence order.
func (s *Store) list(indexName string, shardID int) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.shardDir(indexName, shardID), "snap_*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Latest loads the newest readable snapshot of a shard, skipping corrupt
// files in favour of older ones. ok is false when none exists.
func (s *Store) Latest(indexName string, shardID int) (*shard.Snapshot, bool, error) {
	files, err := s.list(indexName, shardID)
	if err != nil {
		return nil, false, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		snap, _, err := Read(files[i])
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "path", files[i], "error", err)
			continue
		}
		return snap, true, nil
	}
	return nil, false, nil
}
