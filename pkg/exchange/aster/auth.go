package aster

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultRecvWindow = 5000

// Signer signs Aster futures requests: HMAC-SHA256 over the encoded
// parameters, hex encoded, with the key in the X-MBX-APIKEY header.
type Signer struct {
	apiKey     string
	apiSecret  string
	recvWindow int64
	now        func() time.Time
}

func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: defaultRecvWindow,
		now:        time.Now,
	}
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// SignedQuery adds timestamp and recvWindow to params and returns the encoded
// query with the signature appended last.
func (s *Signer) SignedQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow, 10))
	encoded := params.Encode()
	return encoded + "&signature=" + computeHMAC(encoded, s.apiSecret)
}

func (s *Signer) AddAuthHeaders(req *http.Request) {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
}
