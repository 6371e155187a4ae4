package storage

import (
	"fmt"
	"path"
	"strings"
)

// Segment markers used by FlatLayout.
const (
	containerSegment = "c"
	objectSegment    = "o"
)

// validateSegment ensures a single path component is non-empty and free of separators.
func validateSegment(kind, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s required", kind)
	}
	if strings.Contains(value, "/") {
		return "", fmt.Errorf("storage: %s %q must not contain '/'", kind, value)
	}
	if value == "." || value == ".." {
		return "", fmt.Errorf("storage: invalid %s %q", kind, value)
	}
	return value, nil
}

// ValidateAccount checks an account name.
func ValidateAccount(account string) error {
	_, err := validateSegment("account", account)
	return err
}

// ValidateKey rejects object keys that cannot be mapped onto every backend.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage: key required")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}

// FlatLayout maps accounts, containers and keys onto the single key space of
// a bucket-style store:
//
//	<prefix>/<account>/c/<container>        container marker
//	<prefix>/<account>/o/<container>/<key>  object
type FlatLayout struct {
	Prefix string
}

// NewFlatLayout returns a layout rooted at prefix. Leading and trailing
// slashes are trimmed.
func NewFlatLayout(prefix string) FlatLayout {
	return FlatLayout{Prefix: strings.Trim(prefix, "/")}
}

func (l FlatLayout) join(parts ...string) string {
	if l.Prefix != "" {
		parts = append([]string{l.Prefix}, parts...)
	}
	return path.Join(parts...)
}

// ContainerMarker returns the key of the marker object for ref.
func (l FlatLayout) ContainerMarker(ref ContainerRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return l.join(ref.Account, containerSegment, ref.Container), nil
}

// ContainerMarkerPrefix returns the listing prefix covering every container of account.
func (l FlatLayout) ContainerMarkerPrefix(account string) (string, error) {
	acct, err := validateSegment("account", account)
	if err != nil {
		return "", err
	}
	return l.join(acct, containerSegment) + "/", nil
}

// ObjectPrefix returns the flat prefix under which every object of ref lives.
func (l FlatLayout) ObjectPrefix(ref ContainerRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return l.join(ref.Account, objectSegment, ref.Container) + "/", nil
}

// Object returns the flat key for key within ref.
func (l FlatLayout) Object(ref ContainerRef, key string) (string, error) {
	prefix, err := l.ObjectPrefix(ref)
	if err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return prefix + key, nil
}

// ObjectListing translates container relative list options into flat ones.
// The returned trim value must be stripped from every listed key.
func (l FlatLayout) ObjectListing(ref ContainerRef, opts ListOptions) (flat ListOptions, trim string, err error) {
	trim, err = l.ObjectPrefix(ref)
	if err != nil {
		return ListOptions{}, "", err
	}
	flat = ListOptions{Prefix: trim + opts.Prefix, Limit: opts.Limit}
	if opts.StartAfter != "" {
		flat.StartAfter = trim + opts.StartAfter
	}
	return flat, trim, nil
}

// ContainerListing translates account level list options into flat ones.
func (l FlatLayout) ContainerListing(account string, opts ListOptions) (flat ListOptions, trim string, err error) {
	trim, err = l.ContainerMarkerPrefix(account)
	if err != nil {
		return ListOptions{}, "", err
	}
	flat = ListOptions{Prefix: trim + opts.Prefix, Limit: opts.Limit}
	if opts.StartAfter != "" {
		flat.StartAfter = trim + opts.StartAfter
	}
	return flat, trim, nil
}
