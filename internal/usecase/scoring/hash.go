package scoring

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash отпечаток содержимого issue для идемпотентности и поиска изменений.
func ContentHash(nodeID, title, body string) string {
	sum := sha256.Sum256([]byte(nodeID + ":" + title + ":" + body))
	return hex.EncodeToString(sum[:])
}
