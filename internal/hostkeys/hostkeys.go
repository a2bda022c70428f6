// Package hostkeys builds ssh.HostKeyCallback implementations for the relay's
// outbound connections.
//
// Three policies are supported:
//
//   - "tofu": trust on first use. The first key seen for a host:port is
//     stored in the database; later connections must present the same key.
//   - "known_hosts": keys are checked against an OpenSSH known_hosts file.
//   - "insecure": every key is accepted. Intended for tests and labs.
//
// Rejections are returned as *relayerr.HostKeyError so the session layer can
// report HOST_KEY_VERIFICATION_FAILED without inspecting library errors.
package hostkeys

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"gorm.io/gorm"

	"github.com/gluk-w/sshrelay/internal/database"
	"github.com/gluk-w/sshrelay/internal/relayerr"
)

const (
	PolicyTOFU       = "tofu"
	PolicyKnownHosts = "known_hosts"
	PolicyInsecure   = "insecure"
)

var logger zerolog.Logger = log.With().Str("module", "hostkeys").Logger()

// NewCallback returns the host key callback for the named policy. db is
// required for "tofu", knownHostsPath for "known_hosts".
func NewCallback(policy string, db *gorm.DB, knownHostsPath string) (ssh.HostKeyCallback, error) {
	switch strings.ToLower(policy) {
	case PolicyTOFU, "":
		if db == nil {
			return nil, fmt.Errorf("host key policy %q requires a database", PolicyTOFU)
		}
		return NewStore(db).Callback, nil
	case PolicyKnownHosts:
		return KnownHostsCallback(knownHostsPath)
	case PolicyInsecure:
		logger.Warn().Msg("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

// KnownHostsCallback verifies keys against an OpenSSH known_hosts file.
func KnownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, fmt.Errorf("host key policy %q requires a known_hosts path", PolicyKnownHosts)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		hkErr := &relayerr.HostKeyError{Host: hostname, Actual: ssh.FingerprintSHA256(key), Err: err}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			hkErr.Expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
		}
		logger.Warn().Str("host", hostname).Str("fingerprint", hkErr.Actual).Err(err).Msg("host key rejected by known_hosts")
		return hkErr
	}, nil
}

// Store is a trust-on-first-use host key store backed by the known_hosts table.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Callback implements ssh.HostKeyCallback.
func (s *Store) Callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	actual := ssh.FingerprintSHA256(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var known database.KnownHost
	err := s.db.Where("address = ?", hostname).First(&known).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record := database.KnownHost{
			Address:     hostname,
			KeyType:     key.Type(),
			Fingerprint: actual,
			PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
		}
		if err := s.db.Create(&record).Error; err != nil {
			return fmt.Errorf("store host key: %w", err)
		}
		logger.Info().Str("host", hostname).Str("fingerprint", actual).Msg("trusted new host key")
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up host key: %w", err)
	}

	if known.Fingerprint != actual {
		logger.Warn().
			Str("host", hostname).
			Str("expected", known.Fingerprint).
			Str("actual", actual).
			Msg("host key fingerprint mismatch (possible MITM)")
		return &relayerr.HostKeyError{Host: hostname, Expected: known.Fingerprint, Actual: actual}
	}
	return nil
}

// List returns every trusted host key.
func (s *Store) List() ([]database.KnownHost, error) {
	var hosts []database.KnownHost
	if err := s.db.Order("address").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// Forget removes the trusted key for address so the next connection re-pins it.
// Returns false if nothing was stored.
func (s *Store) Forget(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Where("address = ?", address).Delete(&database.KnownHost{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Info().Str("host", address).Msg("forgot host key")
	}
	return res.RowsAffected > 0, nil
}
