package domain

// CustomerSummary is the public profile shown to drivers with an offer.
type CustomerSummary struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Phone    string `json:"phone" db:"phone"`
	PhotoURL string `json:"photo_url" db:"photo_url"`
}

// DeviceToken is a push registration for a user's device.
type DeviceToken struct {
	UserID   string `db:"user_id"`
	Token    string `db:"token"`
	Platform string `db:"platform"`
}
