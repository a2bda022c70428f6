package credentials

import (
	"bytes"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sshrelay/internal/relayerr"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := LoadKey("")
	require.NoError(t, err)
	return NewVault(key)
}

func TestSealOpenDelete(t *testing.T) {
	v := newTestVault(t)

	ref, err := v.Seal(Credential{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Len())

	c, err := v.Open(ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", c.Password)

	v.Delete(ref)
	v.Delete(ref)
	assert.Equal(t, 0, v.Len())

	_, err = v.Open(ref)
	assert.True(t, relayerr.Is(err, relayerr.InvalidConfig))
}

func TestSealedTokenHidesSecret(t *testing.T) {
	v := newTestVault(t)
	ref, err := v.Seal(Credential{PrivateKey: "-----BEGIN KEY-----", Passphrase: "open sesame"})
	require.NoError(t, err)

	v.mu.Lock()
	tok := v.sealed[ref]
	v.mu.Unlock()
	assert.False(t, bytes.Contains(tok, []byte("open sesame")))
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	ref, err := v.Seal(Credential{Password: "p"})
	require.NoError(t, err)

	other, err := LoadKey("")
	require.NoError(t, err)
	v.key = other

	_, err = v.Open(ref)
	assert.Error(t, err)
}

func TestLoadKeyDecodes(t *testing.T) {
	var k fernet.Key
	require.NoError(t, k.Generate())

	decoded, err := LoadKey(k.Encode())
	require.NoError(t, err)
	assert.Equal(t, k, *decoded)

	_, err = LoadKey("not-a-key")
	assert.Error(t, err)
}

func TestCredentialValidate(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		ok   bool
	}{
		{"password", Credential{Password: "p"}, true},
		{"key", Credential{PrivateKey: "k"}, true},
		{"key with passphrase", Credential{PrivateKey: "k", Passphrase: "pp"}, true},
		{"none", Credential{}, false},
		{"both", Credential{Password: "p", PrivateKey: "k"}, false},
		{"passphrase with password", Credential{Password: "p", Passphrase: "pp"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, relayerr.Is(err, relayerr.InvalidConfig), "got %v", err)
		})
	}
}

func TestCredentialSecrets(t *testing.T) {
	c := Credential{PrivateKey: "k", Passphrase: "pp"}
	assert.Equal(t, []string{"k", "pp"}, c.Secrets())
	assert.Equal(t, "publickey", c.Method())
	assert.Equal(t, "password", Credential{Password: "p"}.Method())
}
