package nostr

import (
	"net/url"
	"strings"

	"nostr-buzz/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL from NIP-65 events
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	// Block internal/unreachable hosts (.onion, .local, .internal)
	if util.IsInternalHost(host) {
		return ""
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += strings.TrimRight(parsed.Path, "/")
	}
	return result
}

// EnforceWSS normalizes a relay URL and upgrades ws:// to wss://.
// Loopback relays keep ws:// so local test relays stay reachable.
func EnforceWSS(relayURL string) string {
	normalized := NormalizeRelayURL(relayURL)
	if normalized == "" {
		return ""
	}
	if strings.HasPrefix(normalized, "ws://") {
		host := strings.TrimPrefix(normalized, "ws://")
		if i := strings.IndexAny(host, ":/"); i >= 0 {
			host = host[:i]
		}
		if util.IsLoopbackHost(host) {
			return normalized
		}
		return "wss://" + strings.TrimPrefix(normalized, "ws://")
	}
	return normalized
}
