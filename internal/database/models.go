package database

import "time"

// AuditLog is one session lifecycle or admission event.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;size:128" json:"session_id"`
	EventType  string    `gorm:"index;not null;size:64" json:"event_type"`
	Host       string    `gorm:"size:255" json:"host"`
	Port       int       `json:"port"`
	Username   string    `gorm:"size:255" json:"username"`
	SourceIP   string    `gorm:"size:64" json:"source_ip"`
	FromState  string    `gorm:"size:32" json:"from_state,omitempty"`
	ToState    string    `gorm:"size:32" json:"to_state,omitempty"`
	ErrorCode  string    `gorm:"size:64" json:"error_code,omitempty"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// KnownHost is a trusted host key recorded on first use.
type KnownHost struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Address     string    `gorm:"uniqueIndex;not null;size:300" json:"address"` // host:port
	KeyType     string    `gorm:"not null;size:64" json:"key_type"`
	Fingerprint string    `gorm:"not null;size:128" json:"fingerprint"` // SHA256:...
	PublicKey   string    `gorm:"type:text;not null" json:"-"`          // authorized_keys format
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
