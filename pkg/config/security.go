package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// SecurityConfig names the credential material for an authenticated
// participant. Missing required files fail construction, not first
// use.
type SecurityConfig struct {
	IdentityCertificate string `yaml:"identity_certificate"`
	PrivateKey          string `yaml:"private_key"`
	CACertificates      string `yaml:"ca_certificates"`
	GovernanceXML       string `yaml:"governance_xml,omitempty"`
	PermissionsXML      string `yaml:"permissions_xml,omitempty"`
	EnableEncryption    bool   `yaml:"enable_encryption,omitempty"`
	EnableAuditLog      bool   `yaml:"enable_audit_log,omitempty"`
	AuditLogPath        string `yaml:"audit_log_path,omitempty"`
}

// Validate checks the required fields and that every referenced file
// exists.
func (s *SecurityConfig) Validate() error {
	required := []struct {
		name, path string
	}{
		{"identity_certificate", s.IdentityCertificate},
		{"private_key", s.PrivateKey},
		{"ca_certificates", s.CACertificates},
	}
	for _, r := range required {
		if r.path == "" {
			return fmt.Errorf("%s is required", r.name)
		}
		if _, err := os.Stat(r.path); err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
	for _, opt := range []string{s.GovernanceXML, s.PermissionsXML} {
		if opt == "" {
			continue
		}
		if _, err := os.Stat(opt); err != nil {
			return fmt.Errorf("%s: %w", opt, err)
		}
	}
	if s.EnableAuditLog && s.AuditLogPath == "" {
		return fmt.Errorf("audit_log_path is required when audit log is enabled")
	}
	return nil
}

// WatchCredentials watches the directory holding the identity
// certificate and invokes onChange on any write or create, so rotated
// certificates are picked up without a restart. Blocks until ctx is
// done.
func (s *SecurityConfig) WatchCredentials(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.IdentityCertificate)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Infof("security: watching %s for credential rotation", dir)

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				log.Debugf("security: credential event %v", event)
				onChange()
			}
		case err := <-watcher.Errors:
			log.Warnf("security: watcher error: %s", err)
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
