package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPassword returns the hex SHA-256 digest of a lobby password. The
// hash is a casual deterrent against join-code guessing, not a security
// boundary: clients that can read lobby metadata are already inside the
// trust perimeter.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
