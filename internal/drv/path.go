// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package drv provides the derivation representation consumed by the
// queue monitor: store paths and the subset of a derivation's fields
// (outputs, input derivations, environment, platform) needed to resolve
// the build-step graph. It never writes derivations; that is the content
// store's job.
package drv

import (
	"fmt"
	"path"
	"strings"

	"zombiezen.com/go/nix/nixbase32"
)

// DerivationExt is the file extension for a marshalled [Derivation].
const DerivationExt = ".drv"

// Directory is the absolute path of a content-addressed store.
type Directory string

// Path is a single store object's path: the store directory joined with a
// digest-prefixed object name.
type Path string

const (
	objectNameDigestLength = 32
	maxObjectNameLength    = objectNameDigestLength + 1 + 211
)

// ParsePath parses an absolute path as a store path (i.e. an immediate
// child of a store directory).
func ParsePath(p string) (Path, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("parse store path %s: not absolute", p)
	}
	cleaned := path.Clean(p)
	base := path.Base(cleaned)
	if len(base) < objectNameDigestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", p, base)
	}
	if len(base) > maxObjectNameLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", p, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", p, base, base[i])
		}
	}
	if err := nixbase32.ValidateString(base[:objectNameDigestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", p, err)
	}
	if base[objectNameDigestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", p)
	}
	return Path(cleaned), nil
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '-', c == '.', c == '_', c == '?', c == '=':
		return true
	default:
		return false
	}
}

// Dir returns the path's parent store directory.
func (p Path) Dir() Directory {
	return Directory(path.Dir(string(p)))
}

// Base returns the last element of the path: the digest-prefixed object name.
func (p Path) Base() string {
	return path.Base(string(p))
}

// Digest returns the digest portion of the object name.
func (p Path) Digest() string {
	base := p.Base()
	if len(base) < objectNameDigestLength {
		return ""
	}
	return base[:objectNameDigestLength]
}

// Name returns the part of the object name after the digest and its
// separating dash.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= objectNameDigestLength+len("-") {
		return ""
	}
	return base[objectNameDigestLength+len("-"):]
}

// IsDerivation reports whether p names a .drv file.
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Base(), DerivationExt)
}

// DerivationName reports whether p names a .drv file and, if so, returns
// the name passed to [ParseDerivation] (the object name with the digest
// prefix and [DerivationExt] suffix stripped).
func (p Path) DerivationName() (name string, ok bool) {
	if !p.IsDerivation() {
		return "", false
	}
	return strings.TrimSuffix(p.Name(), DerivationExt), true
}
