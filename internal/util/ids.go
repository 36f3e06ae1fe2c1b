// Package util provides small helpers shared across ConvoPipe components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// Record id prefixes. The prefix makes ids self-describing in logs.
const (
	PrefixSession      = "ses_"
	PrefixExecution    = "exe_"
	PrefixWorkflow     = "wf_"
	PrefixStep         = "stp_"
	PrefixBooking      = "bkg_"
	PrefixNotification = "ntf_"
	PrefixJob          = "job_"
	PrefixOutbox       = "obx_"
)

// NewID returns prefix followed by 32 hex characters of a random UUID.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefixID reports whether id was produced by NewID with prefix.
func HasPrefixID(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	for _, c := range rest {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
