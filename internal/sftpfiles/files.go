// Package sftpfiles provides file operations over the SSH connection of a live
// session.
//
// All functions accept an *ssh.Client obtained from
// session.Registry.GetUnderlyingHandle. Each call opens its own SFTP channel on
// that connection, so file transfers never interfere with the interactive
// shell.
package sftpfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshrelay/internal/logutil"
)

// DefaultMaxReadSize caps ReadFile.
const DefaultMaxReadSize = 10 * 1024 * 1024

var logger = log.With().Str("module", "sftpfiles").Logger()

// ErrTooLarge is returned by ReadFile when the file exceeds the size limit.
var ErrTooLarge = errors.New("file too large")

// FileEntry describes one directory entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

func open(client *ssh.Client) (*sftp.Client, error) {
	if client == nil {
		return nil, errors.New("no ssh connection")
	}
	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	return c, nil
}

// ListDirectory lists dir, directories first, then by name. An empty dir
// lists the remote working directory.
func ListDirectory(client *ssh.Client, dir string) ([]FileEntry, error) {
	start := time.Now()
	c, err := open(client)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if dir == "" {
		if dir, err = c.Getwd(); err != nil {
			return nil, fmt.Errorf("list directory: %w", err)
		}
	}

	infos, err := c.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}

	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, entryFor(dir, fi))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	logger.Debug().Str("path", logutil.SanitizeForLog(dir)).Int("entries", len(entries)).Dur("took", time.Since(start)).Msg("listed directory")
	return entries, nil
}

func entryFor(dir string, fi os.FileInfo) FileEntry {
	return FileEntry{
		Name:    fi.Name(),
		Path:    path.Join(dir, fi.Name()),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
}

// ReadFile returns the contents of a remote file no larger than maxBytes
// (DefaultMaxReadSize when 0).
func ReadFile(client *ssh.Client, name string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadSize
	}
	c, err := open(client)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	f, err := c.Open(name)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("read file: %s is a directory", name)
	}
	if fi.Size() > maxBytes {
		return nil, fmt.Errorf("read file: %w (%d > %d bytes)", ErrTooLarge, fi.Size(), maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("read file: %w", ErrTooLarge)
	}
	return data, nil
}

// IsNotExist reports whether err means the remote path does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
