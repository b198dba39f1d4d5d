// metadata.go - The version endpoint's JSON envelope.
package ota

import (
	"encoding/json"
	"fmt"
)

// Metadata describes the firmware image the server currently offers.
type Metadata struct {
	// Version is the offered firmware version ("major.minor.patch").
	Version string
	// ExpectedDigestHex is the lowercase hex HMAC-SHA256 of the image.
	// Empty when the server omitted it, in which case verification cannot pass.
	ExpectedDigestHex string
	// ExpectedSize is the image size the server declared, 0 when omitted.
	ExpectedSize int64
}

// versionEnvelope mirrors {"version": "...", "hmac": "...", "size": n}.
// Fields are raw so a wrong JSON type degrades the way absence does.
type versionEnvelope struct {
	Version json.RawMessage `json:"version"`
	HMAC    json.RawMessage `json:"hmac"`
	Size    json.RawMessage `json:"size"`
}

// ParseMetadata decodes a version endpoint body.
// A body that is not a JSON object, or whose version is missing or not a
// string, is an error. A missing or mistyped hmac reads as "" and size as 0.
func ParseMetadata(body []byte) (Metadata, error) {
	var env versionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Metadata{}, fmt.Errorf("decode version response: %w", err)
	}

	var version string
	if !decodeString(env.Version, &version) {
		return Metadata{}, fmt.Errorf("missing version field in response")
	}

	var meta Metadata
	meta.Version = version
	decodeString(env.HMAC, &meta.ExpectedDigestHex)

	var size json.Number
	if len(env.Size) > 0 && json.Unmarshal(env.Size, &size) == nil {
		if n, err := size.Int64(); err == nil {
			meta.ExpectedSize = n
		}
	}
	return meta, nil
}

func decodeString(raw json.RawMessage, dst *string) bool {
	if len(raw) == 0 {
		return false
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return false
	}
	*dst = *s
	return true
}
