// ABOUTME: Tests for OpenPGP key validation and encryption
// ABOUTME: Covers envelope marker, parse failures, RSA and ECC strength policy and fingerprint stability

package pgpkey_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/pgpkey"
	"github.com/2389/keygate/internal/pgpkey/pgpkeytest"
)

func TestValidate_AcceptsStrongKey(t *testing.T) {
	e := pgpkeytest.Entity(t, "alice", 4096)
	v := pgpkey.NewValidator(0)

	assert.NoError(t, v.Validate(pgpkeytest.PublicKey(t, e)))
}

func TestValidate_RejectsMissingMarker(t *testing.T) {
	v := pgpkey.NewValidator(0)

	err := v.Validate("ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGx5 alice@example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgpkey.ErrInvalidKeyFormat))
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestValidate_RejectsWeakKey(t *testing.T) {
	e := pgpkeytest.Entity(t, "weak", 2048)
	v := pgpkey.NewValidator(0)

	blob := pgpkeytest.PublicKey(t, e)
	require.Contains(t, blob, pgpkey.PublicKeyMarker)

	err := v.Validate(blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgpkey.ErrWeakKey))
	assert.False(t, errors.Is(err, pgpkey.ErrInvalidKeyFormat))
	assert.Equal(t, apperr.KindKeyPolicyViolation, apperr.KindOf(err))
}

func TestValidate_CustomMinimum(t *testing.T) {
	e := pgpkeytest.Entity(t, "weak", 2048)
	v := pgpkey.NewValidator(2048)

	assert.Equal(t, 2048, v.MinBits())
	assert.NoError(t, v.Validate(pgpkeytest.PublicKey(t, e)))
}

func TestValidate_ECCKeys(t *testing.T) {
	tests := []struct {
		curve   packet.Curve
		minBits int
		wantErr error
	}{
		{packet.CurveNistP384, 0, nil},
		{packet.CurveNistP521, 0, nil},
		{packet.CurveNistP256, 0, pgpkey.ErrWeakKey},
		{packet.CurveNistP256, 3072, nil},
		{packet.Curve25519, 0, pgpkey.ErrWeakKey},
		{packet.Curve25519, 3072, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.curve, tt.minBits), func(t *testing.T) {
			e := pgpkeytest.ECCEntity(t, "ecc", tt.curve)
			err := pgpkey.NewValidator(tt.minBits).Validate(pgpkeytest.PublicKey(t, e))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEncrypt_ECCRoundTrip(t *testing.T) {
	e := pgpkeytest.ECCEntity(t, "ecc", packet.CurveNistP384)
	v := pgpkey.NewValidator(0)

	armored, err := v.Encrypt([]byte("730164"), pgpkeytest.PublicKey(t, e))
	require.NoError(t, err)
	assert.Equal(t, "730164", pgpkeytest.Decrypt(t, e, armored))
}

func TestValidate_RejectsUnparseableBlock(t *testing.T) {
	v := pgpkey.NewValidator(0)
	blob := pgpkey.PublicKeyMarker + "\n\nbm90IGEga2V5\n-----END PGP PUBLIC KEY BLOCK-----\n"

	err := v.Validate(blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgpkey.ErrKeyParse))
	assert.Equal(t, "unable to parse PGP key", apperr.Message(err))
}

func TestValidate_RejectsMultipleKeys(t *testing.T) {
	a := pgpkeytest.Entity(t, "weak", 2048)
	b := pgpkeytest.Entity(t, "weak-2", 2048)
	v := pgpkey.NewValidator(2048)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, a.Serialize(w))
	require.NoError(t, b.Serialize(w))
	require.NoError(t, w.Close())

	err = v.Validate(buf.String())
	assert.True(t, errors.Is(err, pgpkey.ErrKeyParse))
}

func TestFingerprint_Stable(t *testing.T) {
	e := pgpkeytest.Entity(t, "alice", 4096)
	v := pgpkey.NewValidator(0)
	blob := pgpkeytest.PublicKey(t, e)

	fp1, err := v.Fingerprint(blob)
	require.NoError(t, err)
	fp2, err := v.Fingerprint("\n\n  " + blob + "  \n")
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 40)
	assert.Equal(t, strings.ToUpper(fp1), fp1)
	assert.Equal(t, pgpkey.FormatFingerprint(e.PrimaryKey.Fingerprint[:]), fp1)
}

func TestFingerprint_FailsLikeValidate(t *testing.T) {
	v := pgpkey.NewValidator(0)

	_, err := v.Fingerprint("not a key")
	assert.True(t, errors.Is(err, pgpkey.ErrInvalidKeyFormat))

	_, err = v.Fingerprint(pgpkeytest.PublicKey(t, pgpkeytest.Entity(t, "weak", 2048)))
	assert.True(t, errors.Is(err, pgpkey.ErrWeakKey))
}

func TestEncrypt_RoundTrip(t *testing.T) {
	e := pgpkeytest.Entity(t, "alice", 4096)
	v := pgpkey.NewValidator(0)

	armored, err := v.Encrypt([]byte("042917"), pgpkeytest.PublicKey(t, e))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(armored, "-----BEGIN PGP MESSAGE-----"))
	assert.NotContains(t, armored, "042917")
	assert.Equal(t, "042917", pgpkeytest.Decrypt(t, e, armored))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "abc", pgpkey.Normalize("\n\t abc \r\n"))
}
