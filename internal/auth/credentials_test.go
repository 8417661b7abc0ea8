package auth

import (
	"encoding/base64"
	"testing"
)

func TestExtract(t *testing.T) {
	basic := func(s string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(s))
	}

	tests := []struct {
		name     string
		header   string
		expected *Credentials
	}{
		{"empty", "", nil},
		{"garbage", "garbage", nil},
		{
			name:     "token",
			header:   "PVEAPIToken=u@pam!t=abc",
			expected: &Credentials{TokenID: "u@pam!t", TokenSecret: "abc"},
		},
		{
			name:     "token secret containing equals",
			header:   "PVEAPIToken=root@pam!ci=a=b",
			expected: &Credentials{TokenID: "root@pam!ci", TokenSecret: "a=b"},
		},
		{
			name:     "basic",
			header:   basic("alice:secret"),
			expected: &Credentials{Username: "alice", Password: "secret", Realm: DefaultRealm},
		},
		{
			name:     "basic password with colon",
			header:   basic("alice:se:cret"),
			expected: &Credentials{Username: "alice", Password: "se:cret", Realm: DefaultRealm},
		},
		{"basic without delimiter", basic("alice"), nil},
		{"basic invalid base64", "Basic !!!not-base64", nil},
		{"bearer", "Bearer abc.def", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.header)
			if tt.expected == nil {
				if got != nil {
					t.Fatalf("Extract(%q) = %+v, want nil", tt.header, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Extract(%q) = nil, want %+v", tt.header, tt.expected)
			}
			if *got != *tt.expected {
				t.Errorf("Extract(%q) = %+v, want %+v", tt.header, *got, *tt.expected)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		creds  *Credentials
		header string
	}{
		{"token", &Credentials{TokenID: "u@pam!t", TokenSecret: "abc"}, "PVEAPIToken=u@pam!t=abc"},
		{"basic", &Credentials{Username: "alice", Password: "secret"}, "Basic YWxpY2U6c2VjcmV0"},
		{"token wins", &Credentials{TokenID: "u@pam!t", TokenSecret: "abc", Username: "alice", Password: "secret"}, "PVEAPIToken=u@pam!t=abc"},
		{"incomplete", &Credentials{Username: "alice"}, ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Header(tt.creds); got != tt.header {
				t.Errorf("Header() = %q, want %q", got, tt.header)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	token := Credentials{TokenID: "u@pam!t", TokenSecret: "abc", Username: "alice"}
	if token.Identity() != "u@pam!t" {
		t.Errorf("expected token identity, got %q", token.Identity())
	}
	pass := Credentials{Username: "alice", Password: "secret"}
	if pass.Identity() != "alice" || pass.RealmOrDefault() != DefaultRealm {
		t.Errorf("unexpected identity %q realm %q", pass.Identity(), pass.RealmOrDefault())
	}
}
