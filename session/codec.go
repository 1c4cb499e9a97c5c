package session

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// MetadataCodec seals and opens session metadata with ChaCha20-Poly1305.
// The nonce is random per seal and prepended to the ciphertext. Open fails
// closed: any tamper or key mismatch yields [ErrCorruptMetadata].
type MetadataCodec struct {
	key []byte
}

// NewMetadataCodec requires a 32-byte key.
func NewMetadataCodec(key []byte) (*MetadataCodec, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("metadata key must be exactly 32 bytes")
	}

	clone := make([]byte, len(key))
	copy(clone, key)
	return &MetadataCodec{key: clone}, nil
}

// Seal encrypts metadata, binding the ciphertext to the owning session ID so
// a sealed blob cannot be transplanted between session rows.
func (c *MetadataCodec) Seal(sessionID string, meta Metadata) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plain, []byte(sessionID)), nil
}

// Open decrypts and authenticates a sealed blob for the given session ID.
func (c *MetadataCodec) Open(sessionID string, sealed []byte) (Metadata, error) {
	var meta Metadata

	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return meta, err
	}
	if len(sealed) < aead.NonceSize() {
		return meta, ErrCorruptMetadata
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return meta, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	if err := json.Unmarshal(plain, &meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}

	return meta, nil
}

// ParseClientString extracts a coarse browser, OS, and device class from a
// raw client identification string. It is intentionally shallow; the parsed
// fields exist for operator display, not enforcement.
func ParseClientString(clientString string) (browser, os, deviceClass string) {
	browser, os, deviceClass = "unknown", "unknown", "desktop"
	lowered := strings.ToLower(clientString)

	switch {
	case strings.Contains(lowered, "edg/"):
		browser = "edge"
	case strings.Contains(lowered, "opr/"), strings.Contains(lowered, "opera"):
		browser = "opera"
	case strings.Contains(lowered, "chrome"):
		browser = "chrome"
	case strings.Contains(lowered, "safari"):
		browser = "safari"
	case strings.Contains(lowered, "firefox"):
		browser = "firefox"
	case strings.Contains(lowered, "curl"), strings.Contains(lowered, "wget"):
		browser = "cli"
	}

	switch {
	case strings.Contains(lowered, "android"):
		os = "android"
	case strings.Contains(lowered, "iphone"), strings.Contains(lowered, "ipad"), strings.Contains(lowered, "ios"):
		os = "ios"
	case strings.Contains(lowered, "windows"):
		os = "windows"
	case strings.Contains(lowered, "mac os"), strings.Contains(lowered, "macintosh"):
		os = "macos"
	case strings.Contains(lowered, "linux"):
		os = "linux"
	}

	switch {
	case strings.Contains(lowered, "mobile"), os == "android", os == "ios":
		deviceClass = "mobile"
	case strings.Contains(lowered, "tablet"), strings.Contains(lowered, "ipad"):
		deviceClass = "tablet"
	case browser == "cli":
		deviceClass = "bot"
	}

	return browser, os, deviceClass
}
