// Package credentials keeps session credentials sealed in memory.
//
// Session records never hold a password or private key directly. The relay
// seals the credential supplied with start_session into the Vault and hands the
// registry an opaque reference; the SSH adapter opens it only for the duration
// of a connect.
package credentials

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"

	"github.com/gluk-w/sshrelay/internal/relayerr"
)

// Credential is exactly one authentication method for a remote principal.
type Credential struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate requires exactly one of password or private key. A passphrase is
// only meaningful alongside a private key.
func (c Credential) Validate() error {
	hasPassword := c.Password != ""
	hasKey := strings.TrimSpace(c.PrivateKey) != ""
	switch {
	case hasPassword && hasKey:
		return relayerr.New(relayerr.InvalidConfig, "exactly one credential method is required, got password and private key")
	case !hasPassword && !hasKey:
		return relayerr.New(relayerr.InvalidConfig, "a password or private key is required")
	case hasPassword && c.Passphrase != "":
		return relayerr.New(relayerr.InvalidConfig, "passphrase given without a private key")
	}
	return nil
}

// Method names the authentication method, for logs.
func (c Credential) Method() string {
	if c.PrivateKey != "" {
		return "publickey"
	}
	return "password"
}

// Secrets lists the non-empty secret values, for log redaction.
func (c Credential) Secrets() []string {
	var out []string
	for _, s := range []string{c.Password, c.PrivateKey, c.Passphrase} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadKey decodes a fernet key. An empty string generates a fresh key, so
// sealed credentials do not outlive the process.
func LoadKey(encoded string) (*fernet.Key, error) {
	if encoded == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		return &k, nil
	}
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Vault maps credential references to fernet tokens.
type Vault struct {
	mu     sync.Mutex
	key    *fernet.Key
	sealed map[string][]byte
}

func NewVault(key *fernet.Key) *Vault {
	return &Vault{key: key, sealed: make(map[string][]byte)}
}

// Seal encrypts c and returns a new reference to it.
func (v *Vault) Seal(c Credential) (string, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	tok, err := fernet.EncryptAndSign(plaintext, v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	ref := "cred-" + uuid.NewString()
	v.mu.Lock()
	v.sealed[ref] = tok
	v.mu.Unlock()
	return ref, nil
}

// Open decrypts the credential behind ref.
func (v *Vault) Open(ref string) (Credential, error) {
	v.mu.Lock()
	tok, ok := v.sealed[ref]
	v.mu.Unlock()
	if !ok {
		return Credential{}, relayerr.New(relayerr.InvalidConfig, "credential reference not found")
	}

	msg := fernet.VerifyAndDecrypt(tok, 0*time.Second, []*fernet.Key{v.key})
	if msg == nil {
		return Credential{}, fmt.Errorf("decrypt: invalid token")
	}
	var c Credential
	if err := json.Unmarshal(msg, &c); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return c, nil
}

// Delete discards the credential behind ref. Unknown refs are ignored.
func (v *Vault) Delete(ref string) {
	v.mu.Lock()
	delete(v.sealed, ref)
	v.mu.Unlock()
}

// Len returns the number of sealed credentials.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sealed)
}
