// Package fileid derives stable item ids for ingested files and their chunks.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const prefix = "file:"

// SourceID returns a stable id for the file at absolutePath. The path is cleaned first.
func SourceID(absolutePath string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(absolutePath)))
	return prefix + hex.EncodeToString(hash[:16])
}

// ChunkID returns the item id of chunk n of a source.
func ChunkID(sourceID string, n int) string {
	return fmt.Sprintf("%s#%d", sourceID, n)
}

// ParseChunkID splits an item id produced by ChunkID.
func ParseChunkID(id string) (sourceID string, n int, ok bool) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
