package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/c360/mesgateway/pkg/timestamp"
)

// Header names carrying request credentials.
const (
	HeaderAuthorization = "Authorization"
	HeaderSignature     = "X-Signature"
	HeaderTimestamp     = "X-Timestamp"
)

// Sign returns base64(HMAC-SHA256(secret, body+ts)). ts is the decimal
// Unix-seconds string sent in X-Timestamp.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Signer attaches credentials to outbound requests.
type Signer struct {
	APIKey string
	Secret string
	now    func() time.Time
}

// NewSigner creates a signer. Either value may be empty to skip that header.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{APIKey: apiKey, Secret: secret, now: time.Now}
}

// Apply sets Authorization, X-Timestamp and X-Signature on req for body.
func (s *Signer) Apply(req *http.Request, body []byte) {
	if s == nil {
		return
	}
	if s.APIKey != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+s.APIKey)
	}
	if s.Secret != "" {
		ts := timestamp.UnixString(s.now())
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(s.Secret, body, ts))
	}
}
