package ble

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultNameHints are substrings of advertised names used by Daly modules.
var DefaultNameHints = []string{"Daly", "BMS", "DL-"}

// Target describes which peripheral to accept. Address and Name are exact
// (case-insensitive) matches and win over NameHints.
type Target struct {
	Address   string
	Name      string
	NameHints []string
}

// Match returns the preferred peripheral among found: an exact address or
// name match first, otherwise the first one whose name contains a hint.
func (t Target) Match(found []Peripheral) (Peripheral, bool) {
	for _, p := range found {
		if t.Address != "" && strings.EqualFold(p.Address, t.Address) {
			return p, true
		}
		if t.Name != "" && strings.EqualFold(p.Name, t.Name) {
			return p, true
		}
	}
	if t.Address != "" {
		// a pinned address never falls back to a look-alike
		return Peripheral{}, false
	}
	for _, p := range found {
		name := strings.ToLower(p.Name)
		for _, hint := range t.NameHints {
			if hint != "" && strings.Contains(name, strings.ToLower(hint)) {
				return p, true
			}
		}
	}
	return Peripheral{}, false
}

// Discover scans for d and returns the peripheral t prefers, or
// ErrCandidateNotFound.
func Discover(ctx context.Context, adapter Adapter, t Target, d time.Duration) (Peripheral, []Peripheral, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	found, err := adapter.Scan(scanCtx)
	if err != nil {
		return Peripheral{}, nil, fmt.Errorf("ble: scan: %w", err)
	}
	p, ok := t.Match(found)
	if !ok {
		return Peripheral{}, found, fmt.Errorf("ble: %w among %d devices", ErrCandidateNotFound, len(found))
	}
	return p, found, nil
}
