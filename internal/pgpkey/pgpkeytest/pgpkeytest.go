// ABOUTME: Test helpers that generate real OpenPGP keys and decrypt challenges
// ABOUTME: Key generation is slow, so keys are cached per name and size within a test binary

package pgpkeytest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/2389/keygate/internal/pgpkey"
)

var (
	mu    sync.Mutex
	cache = make(map[string]*openpgp.Entity)
)

// Entity returns a cached RSA key of the given size. Callers sharing a name
// share the key.
func Entity(t testing.TB, name string, bits int) *openpgp.Entity {
	t.Helper()

	mu.Lock()
	defer mu.Unlock()

	cacheKey := fmt.Sprintf("%s/%d", name, bits)
	if e, ok := cache[cacheKey]; ok {
		return e
	}
	e := NewEntity(t, name, bits)
	cache[cacheKey] = e
	return e
}

// ECCEntity returns a cached key with an ECDH encryption subkey on curve. The
// primary is ECDSA, or EdDSA on Curve25519 and Curve448.
func ECCEntity(t testing.TB, name string, curve packet.Curve) *openpgp.Entity {
	t.Helper()

	mu.Lock()
	defer mu.Unlock()

	cacheKey := fmt.Sprintf("%s/%s", name, curve)
	if e, ok := cache[cacheKey]; ok {
		return e
	}
	algo := packet.PubKeyAlgoECDSA
	if curve == packet.Curve25519 || curve == packet.Curve448 {
		algo = packet.PubKeyAlgoEdDSA
	}
	e, err := openpgp.NewEntity(name, "test key", name+"@example.com", &packet.Config{
		Algorithm: algo,
		Curve:     curve,
	})
	if err != nil {
		t.Fatalf("generating %s key: %v", curve, err)
	}
	cache[cacheKey] = e
	return e
}

// NewEntity generates a fresh RSA key pair.
func NewEntity(t testing.TB, name string, bits int) *openpgp.Entity {
	t.Helper()

	e, err := openpgp.NewEntity(name, "test key", name+"@example.com", &packet.Config{RSABits: bits})
	if err != nil {
		t.Fatalf("generating %d-bit key: %v", bits, err)
	}
	return e
}

// PublicKey returns the armored public key of e.
func PublicKey(t testing.TB, e *openpgp.Entity) string {
	t.Helper()

	var buf bytes.Buffer
	if err := pgpkey.Armor(&buf, e); err != nil {
		t.Fatalf("armoring public key: %v", err)
	}
	return buf.String()
}

// Decrypt decrypts an armored message with e's private key.
func Decrypt(t testing.TB, e *openpgp.Entity, armored string) string {
	t.Helper()

	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		t.Fatalf("decoding armor: %v", err)
	}
	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{e}, nil, nil)
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		t.Fatalf("reading plaintext: %v", err)
	}
	return string(plaintext)
}
