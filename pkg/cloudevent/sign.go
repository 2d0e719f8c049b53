package cloudevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body,
// formatted as "sha256=<hex>".
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

// MaxEventSize bounds the body ReadRequest accepts.
const MaxEventSize = 1 << 20

// Signature errors
var (
	ErrMissingSignature = errors.New("missing event signature")
	ErrBadSignature     = errors.New("event signature does not match")
)

// Sign returns the SignatureHeader value for body under key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a SignatureHeader value against body.
func Verify(body []byte, signature, key string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	sum, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sum)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// ReadRequest decodes a structured-mode event posted by a Sender. With a
// non-empty key the body must carry a valid signature.
func ReadRequest(r *http.Request, key string) (*CloudEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxEventSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	if len(body) > MaxEventSize {
		return nil, fmt.Errorf("event exceeds %d bytes", MaxEventSize)
	}
	if key != "" {
		if err := Verify(body, r.Header.Get(SignatureHeader), key); err != nil {
			return nil, err
		}
	}

	var event CloudEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &event, nil
}
