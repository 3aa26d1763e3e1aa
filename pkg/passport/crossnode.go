package passport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/cerberus/internal/cerberr"
)

// CrossNodeConfig configures the signed cross-node passport exchange.
type CrossNodeConfig struct {
	// NodeID is this node's cluster identity.
	NodeID string
	// TokenTTL is the validity window of minted tokens.
	TokenTTL time.Duration
	// PrivateKeyPath points at a 32- or 64-byte Ed25519 key file. Empty
	// generates an ephemeral keypair.
	PrivateKeyPath string
	// PeerPublicKeys maps node_id to base64url-encoded 32-byte public keys.
	PeerPublicKeys map[string]string
}

// CrossNodeToken is the decoded, verified content of a cross-node passport.
type CrossNodeToken struct {
	Target string `json:"target"`
	Expiry int64  `json:"expiry"`
	Issuer string `json:"issuer"`
}

// Expired reports whether the token's validity window has passed.
func (t CrossNodeToken) Expired() bool {
	return t.Expiry <= time.Now().Unix()
}

// CrossNode issues and validates Ed25519-signed handoff passports. Token
// format: base64url("target:expiry:issuer:sig_b64").
type CrossNode struct {
	nodeID   string
	tokenTTL time.Duration
	signKey  ed25519.PrivateKey
	pubKey   ed25519.PublicKey

	mu       sync.RWMutex
	peerKeys map[string]ed25519.PublicKey
}

// NewCrossNode loads or generates the signing keypair and parses the
// configured peer keys.
func NewCrossNode(cfg CrossNodeConfig, logger *slog.Logger) (*CrossNode, error) {
	var signKey ed25519.PrivateKey

	if cfg.PrivateKeyPath != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading passport key file: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			signKey = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			signKey = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("invalid passport key length %d (want %d or %d)",
				len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
		}
	} else {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating passport keypair: %w", err)
		}
		signKey = key
		logger.Warn("using ephemeral passport key, cross-node tokens become invalid on restart")
	}

	cn := &CrossNode{
		nodeID:   cfg.NodeID,
		tokenTTL: cfg.TokenTTL,
		signKey:  signKey,
		pubKey:   signKey.Public().(ed25519.PublicKey),
		peerKeys: make(map[string]ed25519.PublicKey),
	}
	if cn.tokenTTL <= 0 {
		cn.tokenTTL = 30 * time.Second
	}

	for nodeID, b64 := range cfg.PeerPublicKeys {
		if err := cn.AddPeerKey(nodeID, b64); err != nil {
			return nil, fmt.Errorf("peer key for %s: %w", nodeID, err)
		}
	}
	return cn, nil
}

// NodeID returns this node's cluster identity.
func (c *CrossNode) NodeID() string { return c.nodeID }

// PublicKeyB64 returns our verification key, base64url-encoded for exchange.
func (c *CrossNode) PublicKeyB64() string {
	return base64.RawURLEncoding.EncodeToString(c.pubKey)
}

// AddPeerKey registers a peer's public key at runtime.
func (c *CrossNode) AddPeerKey(nodeID, pubkeyB64 string) error {
	raw, err := base64.RawURLEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return cerberr.Wrap(cerberr.InvalidInput, "decoding peer public key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return cerberr.New(cerberr.InvalidInput, "invalid public key length")
	}

	c.mu.Lock()
	c.peerKeys[nodeID] = ed25519.PublicKey(raw)
	c.mu.Unlock()
	return nil
}

// Mint issues a passport a client can present to targetNode.
func (c *CrossNode) Mint(targetNode string) (string, error) {
	expiry := time.Now().Unix() + int64(c.tokenTTL.Seconds())
	payload := fmt.Sprintf("%s:%d:%s", targetNode, expiry, c.nodeID)

	sig := ed25519.Sign(c.signKey, []byte(payload))
	token := payload + ":" + base64.RawURLEncoding.EncodeToString(sig)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Validate checks a presented token: encoding, shape, target binding,
// expiry, known issuer, and signature — in that order. Failures are Auth
// errors with no detail leaked beyond the stage that failed.
func (c *CrossNode) Validate(token string) (*CrossNodeToken, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Auth, "invalid token encoding", err)
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return nil, cerberr.New(cerberr.Auth, "invalid token format")
	}
	target, expiryStr, issuer, sigB64 := parts[0], parts[1], parts[2], parts[3]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Auth, "invalid expiry timestamp", err)
	}

	if target != c.nodeID {
		return nil, cerberr.New(cerberr.Auth, "token not for this node")
	}
	if expiry <= time.Now().Unix() {
		return nil, cerberr.New(cerberr.Auth, "token expired")
	}

	c.mu.RLock()
	issuerKey, ok := c.peerKeys[issuer]
	c.mu.RUnlock()
	if !ok {
		return nil, cerberr.New(cerberr.Auth, "unknown issuer")
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, cerberr.Wrap(cerberr.Auth, "invalid signature encoding", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, cerberr.New(cerberr.Auth, "invalid signature length")
	}

	payload := fmt.Sprintf("%s:%d:%s", target, expiry, issuer)
	if !ed25519.Verify(issuerKey, []byte(payload), sig) {
		return nil, cerberr.New(cerberr.Auth, "invalid signature")
	}

	return &CrossNodeToken{Target: target, Expiry: expiry, Issuer: issuer}, nil
}
