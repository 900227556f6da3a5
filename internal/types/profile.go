package types

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	About       string `json:"about,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Website     string `json:"website,omitempty"`
}

// LightningAddress returns the profile's preferred LNURL-pay target.
func (p ProfileInfo) LightningAddress() string {
	if p.Lud16 != "" {
		return p.Lud16
	}
	return p.Lud06
}

// Profile is a resolved user profile with zap totals attached.
type Profile struct {
	PubKey   string      `json:"pubkey"`
	Info     ProfileInfo `json:"info"`
	ZapTotal int64       `json:"zap_total"`
}
