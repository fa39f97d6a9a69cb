package decisionkit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/open-rails/gatekit/core"
)

// Fingerprint digests the subset of decision inputs that is stable across
// repeated identical requests: principal, actor chain, resource, action,
// and the static attribute snapshot. Risk scores, timestamps, and session
// counters are deliberately excluded; they vary between repeats and would
// defeat the degradation fallback.
func Fingerprint(principal core.Principal, actorChain []string, resource core.Resource, action core.Action, attrs map[string]string) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0x1f})
		}
	}
	write("v1", principal.SubjectID, string(principal.Kind), principal.TrustDomain)
	write(actorChain...)
	write(resource.ID, resource.Kind, resource.Audience)
	write(action.Name, strconv.FormatBool(action.Write), strconv.FormatBool(action.HighRisk))

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, attrs[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// attrDigest summarizes an attribute map for log fields.
func attrDigest(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
