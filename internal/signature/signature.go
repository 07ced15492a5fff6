package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/netip"
	"strings"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"golang.org/x/crypto/hkdf"
)

const (
	purposeSignature   = "client-signature"
	purposeFingerprint = "session-fingerprint"
	purposeToken       = "token-digest"
	purposePayload     = "payload-digest"

	anonymous = "anonymous"
	uaPrefix  = 16
)

// Builder derives every opaque identifier the pipeline uses as a key. One Builder is shared by all
// stages so that rate limiting, threat caching and session tracking agree on the same keys.
type Builder struct {
	sigKey     []byte
	fpKey      []byte
	tokenKey   []byte
	payloadKey []byte
}

// New derives per-purpose keys from secret. An empty secret gets a random per-process value,
// which keeps keys stable for the life of the process but not across instances.
func New(secret string) *Builder {
	master := []byte(secret)
	if len(master) == 0 {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			panic("signature: no entropy: " + err.Error())
		}
	}
	return &Builder{
		sigKey:     derive(master, purposeSignature),
		fpKey:      derive(master, purposeFingerprint),
		tokenKey:   derive(master, purposeToken),
		payloadKey: derive(master, purposePayload),
	}
}

func derive(master []byte, purpose string) []byte {
	r := hkdf.New(sha256.New, master, nil, []byte("shieldgate/"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("signature: hkdf: " + err.Error())
	}
	return key
}

func mac(key []byte, parts ...string) string {
	h := hmac.New(sha256.New, key)
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildSignature returns the client signature for rc. It is a pure function of
// identity, client address, route, method and a truncated user-agent hash.
func (b *Builder) BuildSignature(rc *model.RequestContext) string {
	who := anonymous
	if rc.Identity != nil && rc.Identity.ID != "" {
		who = rc.Identity.ID
	}
	ua := sha256.Sum256([]byte(rc.UserAgent()))
	uaHash := hex.EncodeToString(ua[:])[:uaPrefix]
	return mac(b.sigKey, who, rc.ClientIP, rc.RouteID(), strings.ToUpper(rc.Method), uaHash)[:32]
}

// ClientKey is the identity-independent signature of a client address, used for block lists
// and violation counters that must survive a change of credentials.
func (b *Builder) ClientKey(clientIP string) string {
	return mac(b.sigKey, "client", clientIP)[:32]
}

// Fingerprint hashes an ordered list of attributes for session binding.
func (b *Builder) Fingerprint(parts ...string) string {
	return mac(b.fpKey, parts...)
}

// TokenDigest hashes a secret value (CSRF token, bearer token, session id, API key) so it
// can be used as a key or stored without keeping the raw value.
func (b *Builder) TokenDigest(token string) string {
	return mac(b.tokenKey, token)
}

// PayloadDigest keys the threat scan cache.
func (b *Builder) PayloadDigest(data []byte) string {
	h := hmac.New(sha256.New, b.payloadKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ShortDigest is a log-safe reference to a secret value.
func (b *Builder) ShortDigest(token string) string {
	if token == "" {
		return ""
	}
	return b.TokenDigest(token)[:12]
}

// AddressClass reduces a client address according to the fingerprint mode:
// the full address (strict), the /24 or /48 network (balanced) or the /16 or /32 network (permissive).
func AddressClass(ip string, mode model.FingerprintMode) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "unknown"
	}
	addr = addr.Unmap()
	var bits int
	switch mode {
	case model.ModeStrict:
		return addr.String()
	case model.ModePermissive:
		bits = 16
		if addr.Is6() {
			bits = 32
		}
	default:
		bits = 24
		if addr.Is6() {
			bits = 48
		}
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "unknown"
	}
	return prefix.String()
}
