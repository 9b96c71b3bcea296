package backpack

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultWindow = 5000

// Signer produces Backpack request signatures. The API secret is the base64
// encoded ED25519 seed; the API key is the matching base64 public key.
type Signer struct {
	apiKey string
	key    ed25519.PrivateKey
	window int64
	now    func() time.Time
}

func NewSigner(apiKey, apiSecret string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backpack secret: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("backpack secret must be a %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	if apiKey == "" {
		apiKey = base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey))
	}
	return &Signer{apiKey: apiKey, key: key, window: defaultWindow, now: time.Now}, nil
}

// payload builds "instruction=X&k1=v1&...&timestamp=T&window=W" with params in
// key order.
func (s *Signer) payload(instruction string, params map[string]string, ts int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if instruction != "" {
		b.WriteString("instruction=")
		b.WriteString(instruction)
	}
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	if b.Len() > 0 {
		b.WriteByte('&')
	}
	b.WriteString("timestamp=")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString("&window=")
	b.WriteString(strconv.FormatInt(s.window, 10))
	return b.String()
}

func (s *Signer) Sign(instruction string, params map[string]string, ts int64) string {
	sig := ed25519.Sign(s.key, []byte(s.payload(instruction, params, ts)))
	return base64.StdEncoding.EncodeToString(sig)
}

func (s *Signer) AddAuthHeaders(req *http.Request, instruction string, params map[string]string) {
	ts := s.now().UnixMilli()
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("X-Signature", s.Sign(instruction, params, ts))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Window", strconv.FormatInt(s.window, 10))
}

// StreamSignature returns the [key, signature, timestamp, window] tuple a
// private websocket subscription carries.
func (s *Signer) StreamSignature() []string {
	ts := s.now().UnixMilli()
	return []string{
		s.apiKey,
		s.Sign("subscribe", nil, ts),
		strconv.FormatInt(ts, 10),
		strconv.FormatInt(s.window, 10),
	}
}
