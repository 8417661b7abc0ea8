// Package auth parses and builds the Authorization header forms understood by
// the cluster API.
package auth

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// DefaultRealm is used for username/password credentials that do not name one.
const DefaultRealm = "pam"

// TokenScheme prefixes API token authorization headers.
const TokenScheme = "PVEAPIToken"

var tokenPattern = regexp.MustCompile(TokenScheme + `=([^=]+)=(.+)`)

// Credentials holds either an API token pair or a username/password pair.
// When both are populated the token form takes precedence.
type Credentials struct {
	TokenID     string `json:"tokenId,omitempty"`
	TokenSecret string `json:"tokenSecret,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Realm       string `json:"realm,omitempty"`
}

// IsToken reports whether the token form is in use.
func (c *Credentials) IsToken() bool {
	return c.TokenID != ""
}

// Identity returns the token id or the username, whichever form is active.
func (c *Credentials) Identity() string {
	if c.IsToken() {
		return c.TokenID
	}
	return c.Username
}

// RealmOrDefault returns the configured realm or DefaultRealm.
func (c *Credentials) RealmOrDefault() string {
	if c.Realm == "" {
		return DefaultRealm
	}
	return c.Realm
}

// Extract parses an Authorization header value. It returns nil for an empty
// or malformed header; it never panics.
func Extract(header string) *Credentials {
	if header == "" {
		return nil
	}

	if m := tokenPattern.FindStringSubmatch(header); m != nil {
		return &Credentials{TokenID: m[1], TokenSecret: m[2]}
	}

	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil
	}
	return &Credentials{
		Username: username,
		Password: password,
		Realm:    DefaultRealm,
	}
}

// Header builds the Authorization header value for c. It returns an empty
// string when neither form is complete.
func Header(c *Credentials) string {
	if c == nil {
		return ""
	}
	if c.TokenID != "" && c.TokenSecret != "" {
		return fmt.Sprintf("%s=%s=%s", TokenScheme, c.TokenID, c.TokenSecret)
	}
	if c.Username != "" && c.Password != "" {
		raw := c.Username + ":" + c.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return ""
}
