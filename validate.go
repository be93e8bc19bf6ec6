// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Name validation for every user-supplied identifier. The '#' character is
// the key-schema separator and is forbidden everywhere; '/' is permitted in
// resource names only, for provider/model style grouping.
package shardlimit

const (
	// MaxStackNameLen bounds stack and namespace names.
	MaxStackNameLen = 55

	// MaxNameLen bounds resource and limit names.
	MaxNameLen = 64

	// MaxEntityIDLen bounds caller-supplied entity identifiers.
	MaxEntityIDLen = 128
)

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// ValidateStackName checks stack and namespace names: a letter followed by
// letters, digits, and hyphens, at most MaxStackNameLen characters.
func ValidateStackName(name string) error {
	if name == "" {
		return Errorf(KindValidation, "name is empty")
	}
	if len(name) > MaxStackNameLen {
		return Errorf(KindValidation, "name %q exceeds %d characters", name, MaxStackNameLen)
	}
	if !isLetter(name[0]) {
		return Errorf(KindValidation, "name %q must start with a letter", name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '-' {
			return Errorf(KindValidation, "name %q contains invalid character %q", name, string(c))
		}
	}
	return nil
}

func validateDotted(name string, allowSlash bool) error {
	if name == "" {
		return Errorf(KindValidation, "name is empty")
	}
	if len(name) > MaxNameLen {
		return Errorf(KindValidation, "name %q exceeds %d characters", name, MaxNameLen)
	}
	if !isLetter(name[0]) {
		return Errorf(KindValidation, "name %q must start with a letter", name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		switch {
		case isLetter(c) || isDigit(c) || c == '.' || c == '_' || c == '-':
		case c == '/' && allowSlash:
		default:
			return Errorf(KindValidation, "name %q contains invalid character %q", name, string(c))
		}
	}
	return nil
}

// ValidateResourceName checks resource names: a letter followed by letters,
// digits, '.', '_', '-', and '/'. '#' is never allowed.
func ValidateResourceName(name string) error {
	return validateDotted(name, true)
}

// ValidateLimitName checks limit names: like resource names but without '/',
// and rejecting the reserved infrastructure name.
func ValidateLimitName(name string) error {
	if name == WCULimitName {
		return Errorf(KindValidation, "limit name %q is reserved", name)
	}
	return validateDotted(name, false)
}

// ValidateEntityID checks caller-supplied entity identifiers. The schema only
// requires that '#' stays out of keys; anything else printable is the
// caller's business.
func ValidateEntityID(id string) error {
	if id == "" {
		return Errorf(KindValidation, "entity id is empty")
	}
	if len(id) > MaxEntityIDLen {
		return Errorf(KindValidation, "entity id %q exceeds %d characters", id, MaxEntityIDLen)
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '#' {
			return Errorf(KindValidation, "entity id %q contains '#'", id)
		}
	}
	return nil
}
