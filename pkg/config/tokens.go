package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rerobots/hardshare/pkg/types"
)

// tokenClaims is the subset of JWT payload fields the daemon interprets.
// The signature is not verified locally; the upstream rejects bad tokens.
type tokenClaims struct {
	Subject      string `json:"sub"`
	Organization string `json:"org"`
	Expires      int64  `json:"exp"`
}

// ParseToken decodes the claims of a bearer token without verifying it.
func ParseToken(raw string) (*types.TokenRecord, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a JWT (%d segments)", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("payload decode: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("payload parse: %w", err)
	}
	rec := &types.TokenRecord{
		Raw:     raw,
		Claims:  payload,
		Subject: claims.Subject,
		Org:     claims.Organization,
	}
	if claims.Expires != 0 {
		rec.ExpiresAt = time.Unix(claims.Expires, 0)
	}
	return rec, nil
}

// ScanTokens reads every file in dir as a candidate API token. Unreadable,
// unparseable, and expired files land in the errored map with the reason.
func ScanTokens(dir string) ([]*types.TokenRecord, map[string]string) {
	errored := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errored
	}

	var tokens []*types.TokenRecord
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errored[path] = err.Error()
			continue
		}
		rec, err := ParseToken(string(data))
		if err != nil {
			errored[path] = err.Error()
			continue
		}
		if rec.Expired(now) {
			errored[path] = "expired"
			continue
		}
		rec.Path = path
		tokens = append(tokens, rec)
	}
	return tokens, errored
}

// AddTokenFile moves a token file into the tokens directory after checking
// it parses and is not expired. Returns the organization claim, if any.
func (s *Store) AddTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	rec, err := ParseToken(string(data))
	if err != nil {
		return "", err
	}
	if rec.Expired(time.Now()) {
		return "", fmt.Errorf("token at %s is expired", path)
	}

	if err := os.MkdirAll(s.TokensDir(), 0700); err != nil {
		return "", err
	}
	target := filepath.Join(s.TokensDir(), filepath.Base(path))
	for i := 0; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(s.TokensDir(), fmt.Sprintf("%s-%d", filepath.Base(path), i))
	}
	if err := os.Rename(path, target); err != nil {
		// Cross-device move: copy then unlink.
		if err := os.WriteFile(target, data, 0600); err != nil {
			return "", err
		}
		if err := os.Remove(path); err != nil {
			return "", err
		}
	}
	return rec.Org, nil
}

// RemoveTokenFile deletes a token from the tokens directory.
func (s *Store) RemoveTokenFile(path string) error {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.TokensDir(), path)
	}
	if filepath.Dir(resolved) != s.TokensDir() {
		return fmt.Errorf("%s is not under the tokens directory", path)
	}
	return os.Remove(resolved)
}

// BearerToken returns the first usable token, preferring unexpired records
// in scan order.
func (s *Store) BearerToken() (string, error) {
	tokens := s.Tokens()
	if len(tokens) == 0 {
		return "", fmt.Errorf("no valid API tokens found in %s", s.TokensDir())
	}
	return tokens[0].Raw, nil
}
