package main

import (
	"strings"

	"github.com/google/uuid"

	"detection-relay/internal/config"
)

// instanceKey names the lock for one subscription: relays for different
// streams or tokens may run side by side, duplicates of the same one may not.
func instanceKey(opts config.Options) string {
	identity := strings.ToLower(strings.TrimSpace(opts.StreamURL)) + "\n" + strings.TrimSpace(opts.TokenID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(identity)).String()
}
