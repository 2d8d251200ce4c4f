// Package turn issues short-lived TURN credentials in the coturn REST
// format:
//
//	username   = <unix_expiry>:<identity>
//	credential = base64(hmac_sha1(shared_secret, username))
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultTTL is how long issued credentials stay valid.
const DefaultTTL = 24 * time.Hour

var ErrInvalidIdentity = errors.New("turn: identity must be non-empty and contain no ':'")

// Config configures an Issuer.
type Config struct {
	Secret   string   // empty disables issuance
	URLs     []string // turn: and turns: URLs handed to clients
	STUNURLs []string // returned next to the TURN entry when set
	TTL      time.Duration
	Now      func() time.Time
}

// Issuer signs TURN credentials.
type Issuer struct {
	secret   []byte
	urls     []string
	stunURLs []string
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer validates cfg.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, u := range cfg.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return nil, fmt.Errorf("turn: url %q must start with turn: or turns:", u)
		}
	}
	for _, u := range cfg.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return nil, fmt.Errorf("turn: url %q must start with stun: or stuns:", u)
		}
	}
	return &Issuer{
		secret:   []byte(cfg.Secret),
		urls:     cfg.URLs,
		stunURLs: cfg.STUNURLs,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}, nil
}

// Enabled reports whether a shared secret is configured.
func (i *Issuer) Enabled() bool { return len(i.secret) > 0 && len(i.urls) > 0 }

// TTL returns the credential lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns ICE servers carrying fresh credentials for identity. The
// result is empty when issuance is disabled.
func (i *Issuer) Issue(identity string) ([]webrtc.ICEServer, error) {
	if !i.Enabled() {
		return []webrtc.ICEServer{}, nil
	}
	if identity == "" || strings.Contains(identity, ":") {
		return nil, ErrInvalidIdentity
	}
	expiry := i.now().UTC().Add(i.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, identity)

	servers := make([]webrtc.ICEServer, 0, 2)
	if len(i.stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: i.stunURLs})
	}
	servers = append(servers, webrtc.ICEServer{
		URLs:       i.urls,
		Username:   username,
		Credential: Sign(i.secret, username),
	})
	return servers, nil
}

// Sign returns base64(hmac_sha1(secret, username)).
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
