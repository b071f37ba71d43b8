package worker

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent computes the SHA256 hash of image bytes; used to backfill the
// checksum column when the drive listing reported none.
func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
