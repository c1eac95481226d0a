package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Signer adds the OK-ACCESS-* headers for one sub-account.
type Signer struct {
	creds models.Credentials
	now   func() time.Time
}

func NewSigner(creds models.Credentials, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{creds: creds, now: now}
}

func (s *Signer) AddAuthHeaders(req *http.Request, method, path, body string) {
	timestamp := s.now().UTC().Format(timestampLayout)
	req.Header.Set("OK-ACCESS-KEY", s.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", Sign(s.creds.SecretKey, timestamp, method, path, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.creds.Passphrase)
}

// Sign returns base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func Sign(secret, timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
