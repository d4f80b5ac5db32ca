package types

// CachedRelayList wraps relay list for serialization
type CachedRelayList struct {
	RelayList *RelayList `json:"relay_list,omitempty"`
	FetchedAt int64      `json:"fetched_at"`
	NotFound  bool       `json:"not_found"`
}

// CachedPayEndpoint wraps a resolved LNURL-pay descriptor.
// Raw holds the descriptor JSON as returned by the endpoint.
type CachedPayEndpoint struct {
	Raw       []byte `json:"raw,omitempty"`
	FetchedAt int64  `json:"fetched_at"`
	NotFound  bool   `json:"not_found"`
}
