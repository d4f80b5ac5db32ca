package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// All returns read and write relays without duplicates, read relays first.
func (r *RelayList) All() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool, len(r.Read)+len(r.Write))
	out := make([]string, 0, len(r.Read)+len(r.Write))
	for _, list := range [][]string{r.Read, r.Write} {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
