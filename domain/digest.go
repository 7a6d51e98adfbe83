// Package domain holds the core data types shared across pbcr's packages:
// registry identifiers, image metadata, container records and the TCP
// control block key. None of these types know how to fetch, persist or
// mount anything; that belongs to the packages that consume them.
package domain

import (
	"fmt"
	"strings"
)

// Digest is an opaque content identifier, textually "sha256:<hex>".
type Digest string

// NewDigest validates and wraps a digest string.
func NewDigest(s string) (Digest, error) {
	if !strings.HasPrefix(s, "sha256:") || len(s) != len("sha256:")+64 {
		return "", fmt.Errorf("domain: malformed digest %q", s)
	}
	return Digest(s), nil
}

// Hex returns the hex portion of the digest, suitable for use as a
// filesystem path component.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), "sha256:")
}

func (d Digest) String() string {
	return string(d)
}
