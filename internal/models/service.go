package models

// ServiceConfig is a category of attendance with its own queue and ticket prefix.
// MaxTickets caps tickets issued per calendar day when set and positive.
type ServiceConfig struct {
	ID         string `json:"service_id"`
	Name       string `json:"name"`
	Prefix     string `json:"prefix"`
	Icon       string `json:"icon,omitempty"`
	Color      string `json:"color,omitempty"`
	Paused     bool   `json:"paused"`
	MaxTickets *int   `json:"max_tickets,omitempty"`
}

func (s ServiceConfig) DailyCap() (int, bool) {
	if s.MaxTickets == nil || *s.MaxTickets <= 0 {
		return 0, false
	}
	return *s.MaxTickets, true
}
