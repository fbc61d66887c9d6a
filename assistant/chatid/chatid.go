// Package chatid canonicalizes conversation identifiers across messaging
// backends and derives the stable session names used as filesystem keys.
package chatid

import (
	"regexp"
	"strings"
)

var (
	digitsOnly = regexp.MustCompile(`^\d+$`)
	// iMessage group chats are hex GUIDs, at least 20 chars.
	hexGroup = regexp.MustCompile(`^[0-9a-fA-F]{20,}$`)
	// Signal group ids are base64, 40+ chars with the usual alphabet.
	base64Group = regexp.MustCompile(`^[A-Za-z0-9+/=]{40,}$`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9+._-]`)
)

// Normalize returns the canonical form of a raw chat identifier.
// Phone numbers become E.164 (+1 prefixed for bare NANP digits), group
// hex ids are lowercased, and any backend prefix is preserved.
// Normalizing an already-normalized id is the identity.
func Normalize(raw string) string {
	prefix, bare := Split(strings.TrimSpace(raw))

	switch {
	case bare == "":
		return prefix + bare
	case strings.HasPrefix(bare, "+"):
		// Already E.164.
	case digitsOnly.MatchString(bare) && len(bare) == 10:
		bare = "+1" + bare
	case digitsOnly.MatchString(bare) && len(bare) == 11 && bare[0] == '1':
		bare = "+" + bare
	case hexGroup.MatchString(bare):
		bare = strings.ToLower(bare)
	}
	return prefix + bare
}

// Split separates a chat id into its backend registry prefix and bare
// identifier. An id with no known prefix belongs to the default backend.
func Split(id string) (prefix, bare string) {
	for _, b := range Backends() {
		if b.RegistryPrefix != "" && strings.HasPrefix(id, b.RegistryPrefix) {
			return b.RegistryPrefix, id[len(b.RegistryPrefix):]
		}
	}
	return "", id
}

// Bare strips the backend prefix from a canonical chat id.
func Bare(id string) string {
	_, bare := Split(id)
	return bare
}

// IsGroup reports whether the bare form of id matches a group pattern.
func IsGroup(id string) bool {
	bare := Bare(id)
	if strings.HasPrefix(bare, "+") {
		return false
	}
	return hexGroup.MatchString(bare) || base64Group.MatchString(bare)
}

// Sanitize makes a chat id safe for use as a path segment.
func Sanitize(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}

// BackendFor resolves the backend owning a canonical chat id.
func BackendFor(id string) Backend {
	prefix, _ := Split(id)
	for _, b := range Backends() {
		if b.RegistryPrefix == prefix {
			return b
		}
	}
	return Default()
}
