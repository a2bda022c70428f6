package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm/logger"

	"github.com/gluk-w/sshrelay/internal/config"
)

func TestInitCreatesDirectoryAndTables(t *testing.T) {
	config.Cfg = config.Settings{DatabasePath: filepath.Join(t.TempDir(), "nested", "relay.db")}
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		Close()
		DB = nil
	})

	if !DB.Migrator().HasTable(&AuditLog{}) {
		t.Error("expected audit_logs table")
	}
	if !DB.Migrator().HasTable(&KnownHost{}) {
		t.Error("expected known_hosts table")
	}
}

func TestKnownHostAddressUnique(t *testing.T) {
	db, err := Open(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := KnownHost{Address: "h:22", KeyType: "ssh-ed25519", Fingerprint: "SHA256:a", PublicKey: "ssh-ed25519 AAAA"}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := KnownHost{Address: "h:22", KeyType: "ssh-ed25519", Fingerprint: "SHA256:b", PublicKey: "ssh-ed25519 BBBB"}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique constraint violation for duplicate address")
	}
}

func TestAuditLogRoundTrip(t *testing.T) {
	db, err := Open(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entry := AuditLog{SessionID: "s1", EventType: "session_connected", Host: "h", Port: 22, Username: "u"}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var loaded AuditLog
	if err := db.First(&loaded, entry.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SessionID != "s1" || loaded.EventType != "session_connected" {
		t.Errorf("unexpected entry: %+v", loaded)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestCloseWithoutInit(t *testing.T) {
	DB = nil
	if err := Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
