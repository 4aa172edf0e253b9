// Package guard decides whether an oracle verdict is trustworthy enough to
// mark a checklist item complete.
//
// Gates run in a fixed, cost-ascending order and short-circuit on the first
// rejection. The deterministic gates are pure functions of the item, the
// window and the verdict; only Pipeline.Evaluate talks to the oracle.
package guard

import (
	"strings"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
)

// IsPlausible reports whether window could contain evidence for item. At
// least one required term (when any are configured) and no forbidden term
// must occur as a case-insensitive substring.
func IsPlausible(window string, item checklist.Item) bool {
	text := strings.ToLower(window)

	if req := item.Keywords.Required; len(req) > 0 {
		found := false
		for _, term := range req {
			if strings.Contains(text, strings.ToLower(term)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, term := range item.Keywords.Forbidden {
		if strings.Contains(text, strings.ToLower(term)) {
			return false
		}
	}
	return true
}
