package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/brinktrade/brink-api/internal/httpx"
)

const (
	APIKeyHeader    = "X-API-Key"
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
	maxTimeSkew     = 60 // seconds
	maxBodyBytes    = 1 << 20
)

// AuthMiddleware provides HMAC-based authentication.
type AuthMiddleware struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewAuthMiddleware creates a new AuthMiddleware.
func NewAuthMiddleware(apiKey, apiSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		now:       time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of timestamp||body under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func unauthorized(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthorized, msg, nil)
}

// Wrap wraps an http.Handler with authentication.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hmac.Equal([]byte(r.Header.Get(APIKeyHeader)), []byte(m.apiKey)) {
			unauthorized(w, "invalid API key")
			return
		}

		timestampStr := r.Header.Get(TimestampHeader)
		if timestampStr == "" {
			unauthorized(w, "missing timestamp header")
			return
		}
		timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			unauthorized(w, "invalid timestamp format")
			return
		}
		skew := m.now().Unix() - timestamp
		if skew > maxTimeSkew || skew < -maxTimeSkew {
			unauthorized(w, "timestamp outside the accepted window")
			return
		}

		requestSignature := r.Header.Get(SignatureHeader)
		if requestSignature == "" {
			unauthorized(w, "missing signature header")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, httpx.CodeTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil)
			return
		}
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeBadRequest, "failed to read request body", nil)
			return
		}
		// restore the body for the next handler
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := Sign(m.apiSecret, timestampStr, body)
		if !hmac.Equal([]byte(requestSignature), []byte(expected)) {
			unauthorized(w, "invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}
