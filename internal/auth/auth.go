// Package auth maps a server profile's authentication descriptor onto
// outgoing HTTP request headers. It performs no I/O and holds no state;
// secret material is resolved by the caller before it reaches this package.
package auth

import (
	"fmt"
	"net/http"
)

// Kind identifies the authentication scheme of a Descriptor.
type Kind string

const (
	// KindNone sends requests unauthenticated.
	KindNone Kind = "none"
	// KindBearerPair sends two opaque secrets as two distinct headers,
	// as used by zero-trust gateway token pairs.
	KindBearerPair Kind = "bearer_pair"
	// KindAPIKey sends a single key as an Authorization bearer header.
	KindAPIKey Kind = "api_key"
	// KindCustomHeader sends one caller-defined header name/value pair.
	KindCustomHeader Kind = "custom_header"
)

// Header names for the bearer-pair scheme.
const (
	HeaderClientID     = "X-Access-Client-Id"
	HeaderClientSecret = "X-Access-Client-Secret"
)

// Descriptor is a closed union of the supported authentication schemes.
// Only the fields matching Kind may be set; Validate enforces this at
// profile-save time so malformed descriptors never reach the network layer.
type Descriptor struct {
	Kind Kind `json:"kind" toml:"kind"`

	// BearerPair fields.
	ClientID     string `json:"client_id,omitempty" toml:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" toml:"client_secret"`

	// APIKey field.
	APIKey string `json:"api_key,omitempty" toml:"api_key"`

	// CustomHeader fields.
	HeaderName  string `json:"header_name,omitempty" toml:"header_name"`
	HeaderValue string `json:"header_value,omitempty" toml:"header_value"`
}

// None returns a descriptor that leaves requests untouched.
func None() Descriptor {
	return Descriptor{Kind: KindNone}
}

// BearerPair returns a descriptor for a zero-trust token pair.
func BearerPair(id, secret string) Descriptor {
	return Descriptor{Kind: KindBearerPair, ClientID: id, ClientSecret: secret}
}

// APIKey returns a descriptor for a single bearer key.
func APIKey(key string) Descriptor {
	return Descriptor{Kind: KindAPIKey, APIKey: key}
}

// CustomHeader returns a descriptor for one arbitrary header pair.
func CustomHeader(name, value string) Descriptor {
	return Descriptor{Kind: KindCustomHeader, HeaderName: name, HeaderValue: value}
}

// Apply injects the descriptor's credentials into req. KindNone is a no-op.
func (d Descriptor) Apply(req *http.Request) {
	switch d.Kind {
	case KindNone:
	case KindBearerPair:
		req.Header.Set(HeaderClientID, d.ClientID)
		req.Header.Set(HeaderClientSecret, d.ClientSecret)
	case KindAPIKey:
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	case KindCustomHeader:
		req.Header.Set(d.HeaderName, d.HeaderValue)
	}
}

// Validate checks that the credential payload matches the declared kind.
// Called when a profile is saved, never per request.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindNone:
		if d.ClientID != "" || d.ClientSecret != "" || d.APIKey != "" || d.HeaderName != "" || d.HeaderValue != "" {
			return fmt.Errorf("auth kind %q must carry no credentials", d.Kind)
		}
	case KindBearerPair:
		if d.ClientID == "" || d.ClientSecret == "" {
			return fmt.Errorf("auth kind %q requires client_id and client_secret", d.Kind)
		}
	case KindAPIKey:
		if d.APIKey == "" {
			return fmt.Errorf("auth kind %q requires api_key", d.Kind)
		}
	case KindCustomHeader:
		if d.HeaderName == "" || d.HeaderValue == "" {
			return fmt.Errorf("auth kind %q requires header_name and header_value", d.Kind)
		}
	default:
		return fmt.Errorf("unknown auth kind %q", d.Kind)
	}
	return nil
}
