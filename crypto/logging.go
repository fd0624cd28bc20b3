package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// keyLog returns a log entry for function that identifies key by its
// preview. Secret keys must never reach it.
func keyLog(function string, public [32]byte) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":    "crypto",
		"function":   function,
		"public_key": KeyPreview(public),
	})
}

// KeyPreview returns the first 8 bytes of a public key in hex, enough to
// correlate log lines without printing the whole key.
func KeyPreview(key [32]byte) string {
	return hex.EncodeToString(key[:8])
}
