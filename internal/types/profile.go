package types

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Badge is a NIP-58 badge definition (kind 30009) awarded to a profile.
type Badge struct {
	ID          string `json:"id"`     // d-tag of the definition
	Issuer      string `json:"issuer"` // pubkey of the badge author
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Thumb       string `json:"thumb,omitempty"`
	AwardID     string `json:"award_id,omitempty"` // kind 8 award event
}

// Identity is the result of resolving an identifier to a profile.
type Identity struct {
	Pubkey  string       `json:"pubkey"`
	Npub    string       `json:"npub"`
	Relays  []string     `json:"relays"`
	Profile *ProfileInfo `json:"profile,omitempty"`
	Badges  []Badge      `json:"badges"`
}

// LightningTarget returns the profile's LUD-16 address, or its LUD-06 LNURL.
func (p *ProfileInfo) LightningTarget() string {
	if p == nil {
		return ""
	}
	if p.Lud16 != "" {
		return p.Lud16
	}
	return p.Lud06
}
