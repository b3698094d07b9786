package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// DocumentID derives a stable document id so re-submitting the same source in a scope
// updates one row instead of creating another.
func DocumentID(scopeID, sourceRef string) string {
	return HashString(scopeID + "\x00" + strings.TrimSpace(sourceRef))
}

// ContentHash fingerprints document content to detect unchanged re-submissions.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
