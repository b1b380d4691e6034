package extorport

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// CookieFileName is the default cookie file name under the data
// directory; ExtORPortCookieAuthFile overrides the full path.
const CookieFileName = "extended_orport_auth_cookie"

// cookieFileLen is the full on-disk size: the fixed prefix followed by
// the random cookie.
const cookieFileLen = len(CookiePrefix) + CookieLen

// LoadOrCreateCookie returns the 32-byte random cookie stored at path,
// creating the file on first start. Creation is atomic (written to a
// temporary file in the same directory, then renamed) with mode 0600 so
// only the relay and its pluggable-transport proxies can read it.
func LoadOrCreateCookie(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseCookieFile(path, data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("extorport: reading cookie file %s: %w", path, err)
	}

	cookie := make([]byte, CookieLen)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("extorport: generating cookie: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), CookieFileName+".tmp*")
	if err != nil {
		return nil, fmt.Errorf("extorport: creating cookie temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("extorport: setting cookie file mode: %w", err)
	}
	if _, err := tmp.Write([]byte(CookiePrefix)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("extorport: writing cookie prefix: %w", err)
	}
	if _, err := tmp.Write(cookie); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("extorport: writing cookie: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("extorport: closing cookie temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("extorport: installing cookie file %s: %w", path, err)
	}
	return cookie, nil
}

// parseCookieFile validates an existing cookie file's size and prefix and
// extracts the cookie.
func parseCookieFile(path string, data []byte) ([]byte, error) {
	if len(data) != cookieFileLen {
		return nil, fmt.Errorf("extorport: cookie file %s has wrong size %d (want %d)", path, len(data), cookieFileLen)
	}
	if !bytes.Equal(data[:len(CookiePrefix)], []byte(CookiePrefix)) {
		return nil, fmt.Errorf("extorport: cookie file %s has wrong prefix", path)
	}
	cookie := make([]byte, CookieLen)
	copy(cookie, data[len(CookiePrefix):])
	return cookie, nil
}

// CookiePath resolves the cookie file location: the configured override
// when set, otherwise CookieFileName under dataDir.
func CookiePath(dataDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(dataDir, CookieFileName)
}
