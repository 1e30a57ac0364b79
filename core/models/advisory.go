package models

// AdvisoryStatusShippedLive marks an advisory whose content has been released
const AdvisoryStatusShippedLive = "SHIPPED_LIVE"

// Advisory is the subset of an erratum/advisory the resolver reads
type Advisory struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	TextOnly bool   `json:"textOnly"`
	Notes    string `json:"notes,omitempty"`
}
