package logging

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/blake2b"
)

// NewLogger builds a structured zap logger with the provided level string.
func NewLogger(level string) (*zap.Logger, error) {
	lower := strings.ToLower(level)
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"

	return cfg.Build()
}

// Identity logs a user identity as a short digest. Sessions are anonymous, so raw
// tokens never reach the log stream.
func Identity(identity string) zap.Field {
	return zap.String("identity", Digest(identity))
}

// Peer is Identity under the "peer" key.
func Peer(identity string) zap.Field {
	return zap.String("peer", Digest(identity))
}

// Digest returns the first 8 bytes of the blake2b-256 hash of identity, hex encoded.
func Digest(identity string) string {
	if identity == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}
