package auth

import (
	"net/http"
	"testing"
)

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://localhost:4096/session", nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestApplyNone(t *testing.T) {
	req := newRequest(t)
	None().Apply(req)
	if len(req.Header) != 0 {
		t.Errorf("headers = %v, want none", req.Header)
	}
}

func TestApplyBearerPair(t *testing.T) {
	req := newRequest(t)
	BearerPair("id-1", "secret-1").Apply(req)

	if got := req.Header.Get(HeaderClientID); got != "id-1" {
		t.Errorf("%s = %q, want id-1", HeaderClientID, got)
	}
	if got := req.Header.Get(HeaderClientSecret); got != "secret-1" {
		t.Errorf("%s = %q, want secret-1", HeaderClientSecret, got)
	}
}

func TestApplyAPIKey(t *testing.T) {
	req := newRequest(t)
	APIKey("k1").Apply(req)

	if got := req.Header.Get("Authorization"); got != "Bearer k1" {
		t.Errorf("Authorization = %q, want 'Bearer k1'", got)
	}
}

func TestApplyCustomHeader(t *testing.T) {
	req := newRequest(t)
	CustomHeader("X-SSO-Token", "tok").Apply(req)

	if got := req.Header.Get("X-SSO-Token"); got != "tok" {
		t.Errorf("X-SSO-Token = %q, want tok", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"none", None(), false},
		{"none with stray key", Descriptor{Kind: KindNone, APIKey: "leftover"}, true},
		{"bearer pair", BearerPair("id", "secret"), false},
		{"bearer pair missing secret", Descriptor{Kind: KindBearerPair, ClientID: "id"}, true},
		{"api key", APIKey("k1"), false},
		{"api key empty", Descriptor{Kind: KindAPIKey}, true},
		{"custom header", CustomHeader("X-Token", "v"), false},
		{"custom header missing name", Descriptor{Kind: KindCustomHeader, HeaderValue: "v"}, true},
		{"unknown kind", Descriptor{Kind: "saml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
