package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// maxConfigFileSize bounds the size of a configuration file.
const maxConfigFileSize = 1024 * 1024

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// SecurityValidator checks values that end up in file paths, dial
// addresses and DNS queries.
type SecurityValidator struct {
	blockedPaths []string
}

// NewSecurityValidator creates a validator with the default block list.
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{
		blockedPaths: []string{"/etc/passwd", "/etc/shadow", "/proc/", "/sys/", "/dev/"},
	}
}

// ValidatePath rejects traversal and well-known system paths.
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if strings.Contains(filepath.ToSlash(path), "../") || strings.HasSuffix(path, "..") {
		return fmt.Errorf("path traversal detected in %s: %s", fieldName, path)
	}
	lower := strings.ToLower(filepath.Clean(path))
	for _, blocked := range sv.blockedPaths {
		if strings.HasPrefix(lower, strings.TrimSuffix(blocked, "/")) {
			return fmt.Errorf("blocked path in %s: %s", fieldName, path)
		}
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long in %s: %d characters (max 4096)", fieldName, len(path))
	}
	return nil
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateHostname validates a DNS name or IP literal.
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if len(hostname) == 0 || len(hostname) > 253 {
		return fmt.Errorf("hostname length invalid for %s: %d (must be 1-253)", fieldName, len(hostname))
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}
	return nil
}

// ValidateAddress validates host:port, :port or a bare host. A bare host is
// accepted when allowBare is set.
func (sv *SecurityValidator) ValidateAddress(addr, fieldName string, allowBare bool) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if allowBare {
			return sv.ValidateHostname(addr, fieldName)
		}
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port for %s: %s", fieldName, portStr)
	}
	if err := sv.ValidatePort(port, fieldName); err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}
	return sv.ValidateHostname(host, fieldName)
}

// ValidateConfigFileSize validates the size of the configuration file
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// SanitizeString strips NUL and control characters other than tab and newline.
func (sv *SecurityValidator) SanitizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
