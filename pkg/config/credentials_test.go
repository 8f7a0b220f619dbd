package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCredentialRef(t *testing.T) {
	assert.True(t, IsCredentialRef("env:SPAREROOM_PASSWORD"))
	assert.True(t, IsCredentialRef("secret:spareroom_password"))
	assert.False(t, IsCredentialRef("hunter2"))
	assert.False(t, IsCredentialRef(""))
}

func TestResolveCredentialEnvRef(t *testing.T) {
	t.Setenv("LEASEBOT_TEST_CRED", "value-from-env")

	value, err := ResolveCredential("env:LEASEBOT_TEST_CRED")
	require.NoError(t, err)
	assert.Equal(t, "value-from-env", value)

	_, err = ResolveCredential("env:LEASEBOT_TEST_CRED_UNSET")
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestResolveCredentialSecretRef(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"spareroom_password": "from-secrets-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	value, err := ResolveCredential("secret:spareroom_password")
	require.NoError(t, err)
	assert.Equal(t, "from-secrets-file", value)

	_, err = ResolveCredential("secret:never_stored")
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestResolveCredentialRejectsInlineLiteral(t *testing.T) {
	_, err := ResolveCredential("hunter2")
	assert.ErrorIs(t, err, ErrCredentialPlaintext)
}

func TestResolveCredentialSet(t *testing.T) {
	t.Setenv("LEASEBOT_TEST_USER", "lister")
	t.Setenv("LEASEBOT_TEST_PASS", "correct-horse")

	refs := map[string]string{
		"username": "env:LEASEBOT_TEST_USER",
		"password": "env:LEASEBOT_TEST_PASS",
	}

	resolved, err := ResolveCredentialSet([]string{"username", "password"}, refs)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "lister", "password": "correct-horse"}, resolved)

	// A declared key without a reference fails as missing.
	_, err = ResolveCredentialSet([]string{"username", "password", "otp"}, refs)
	assert.ErrorIs(t, err, ErrCredentialMissing)

	// An inline literal anywhere in the set fails as plaintext.
	refs["password"] = "hunter2"
	_, err = ResolveCredentialSet([]string{"username", "password"}, refs)
	assert.ErrorIs(t, err, ErrCredentialPlaintext)
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Setenv("SHADOWED_SECRET", "from-env")
	SetDecryptedSecrets(map[string]string{"SHADOWED_SECRET": "from-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	value, err := GetSecret("SHADOWED_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", value)

	SetDecryptedSecrets(nil)
	value, err = GetSecret("SHADOWED_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)
}
