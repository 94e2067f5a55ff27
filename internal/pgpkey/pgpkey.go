// ABOUTME: OpenPGP public key validation, fingerprinting and encryption
// ABOUTME: Enforces the armored envelope, single-entity keyrings and a minimum key strength

package pgpkey

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/2389/keygate/internal/apperr"
)

const (
	// DefaultMinBits is the minimum RSA-equivalent strength accepted.
	DefaultMinBits = 4096

	// PublicKeyMarker must appear in every submitted key blob.
	PublicKeyMarker = "-----BEGIN PGP PUBLIC KEY BLOCK-----"

	messageType = "PGP MESSAGE"
)

// Key errors
var (
	ErrInvalidKeyFormat = apperr.New(apperr.KindInvalidInput, "invalid PGP public key format")
	ErrKeyParse         = apperr.New(apperr.KindKeyPolicyViolation, "unable to parse PGP key")
	ErrWeakKey          = apperr.New(apperr.KindKeyPolicyViolation, "PGP key is below the minimum strength")
	ErrNoEncryptionKey  = apperr.New(apperr.KindKeyPolicyViolation, "PGP key has no encryption-capable key")
)

// curveStrength maps curves to RSA-equivalent strength (NIST SP 800-57).
var curveStrength = map[packet.Curve]int{
	packet.CurveNistP256:      3072,
	packet.CurveBrainpoolP256: 3072,
	packet.CurveSecP256k1:     3072,
	packet.Curve25519:         3072,
	packet.CurveNistP384:      7680,
	packet.CurveBrainpoolP384: 7680,
	packet.Curve448:           7680,
	packet.CurveNistP521:      15360,
	packet.CurveBrainpoolP512: 15360,
}

// Validator checks armored public keys against format and strength policy.
// It is stateless and safe for concurrent use.
type Validator struct {
	minBits int
}

// NewValidator returns a validator requiring at least minBits of
// RSA-equivalent strength. Non-positive values select DefaultMinBits.
func NewValidator(minBits int) *Validator {
	if minBits <= 0 {
		minBits = DefaultMinBits
	}
	return &Validator{minBits: minBits}
}

// MinBits returns the configured minimum strength.
func (v *Validator) MinBits() int { return v.minBits }

// Normalize trims surrounding whitespace from a key blob.
func Normalize(blob string) string {
	return strings.TrimSpace(blob)
}

// Validate checks the blob and returns nil if it is an acceptable public key.
func (v *Validator) Validate(blob string) error {
	_, err := v.parse(blob)
	return err
}

// Fingerprint returns the uppercase hex fingerprint of the key's primary key.
// It fails the same way Validate does.
func (v *Validator) Fingerprint(blob string) (string, error) {
	entity, err := v.parse(blob)
	if err != nil {
		return "", err
	}
	return FormatFingerprint(entity.PrimaryKey.Fingerprint[:]), nil
}

// Encrypt encrypts plaintext to the key in blob and returns an armored
// OpenPGP message.
func (v *Validator) Encrypt(plaintext []byte, blob string) (string, error) {
	entity, err := v.parse(blob)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, messageType, nil)
	if err != nil {
		return "", fmt.Errorf("opening armor: %w", err)
	}
	w, err := openpgp.Encrypt(armored, openpgp.EntityList{entity}, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("encrypting message: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing message: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("closing armor: %w", err)
	}
	return buf.String(), nil
}

// FormatFingerprint renders raw fingerprint bytes as uppercase hex.
func FormatFingerprint(raw []byte) string {
	return strings.ToUpper(hex.EncodeToString(raw))
}

func (v *Validator) parse(blob string) (*openpgp.Entity, error) {
	if !strings.Contains(blob, PublicKeyMarker) {
		return nil, ErrInvalidKeyFormat
	}

	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(Normalize(blob)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyParse, err)
	}
	if len(entities) != 1 {
		return nil, fmt.Errorf("%w: expected one key, got %d", ErrKeyParse, len(entities))
	}
	entity := entities[0]

	// The same key openpgp.Encrypt will pick
	encKey, ok := entity.EncryptionKey(time.Now())
	if !ok {
		return nil, ErrNoEncryptionKey
	}

	for _, pk := range []*packet.PublicKey{entity.PrimaryKey, encKey.PublicKey} {
		bits, ok := strength(pk)
		if !ok || bits < v.minBits {
			return nil, ErrWeakKey
		}
	}
	return entity, nil
}

// strength returns the RSA-equivalent bit strength of pk.
func strength(pk *packet.PublicKey) (int, bool) {
	switch pk.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSAEncryptOnly, packet.PubKeyAlgoRSASignOnly,
		packet.PubKeyAlgoDSA, packet.PubKeyAlgoElGamal:
		bits, err := pk.BitLength()
		if err != nil {
			return 0, false
		}
		return int(bits), true
	case packet.PubKeyAlgoECDSA, packet.PubKeyAlgoECDH, packet.PubKeyAlgoEdDSA,
		packet.PubKeyAlgoEd25519, packet.PubKeyAlgoX25519, packet.PubKeyAlgoEd448, packet.PubKeyAlgoX448:
		curve, err := pk.Curve()
		if err != nil {
			return 0, false
		}
		bits, ok := curveStrength[curve]
		return bits, ok
	default:
		return 0, false
	}
}

// Armor writes the public half of entity as an armored key block.
func Armor(w io.Writer, entity *openpgp.Entity) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return fmt.Errorf("opening armor: %w", err)
	}
	if err := entity.Serialize(aw); err != nil {
		return fmt.Errorf("serializing key: %w", err)
	}
	return aw.Close()
}
