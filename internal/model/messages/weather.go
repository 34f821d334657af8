package messages

import "time"

// Weather is a snapshot from the weather oracle. Any reading may be missing.
type Weather struct {
	Location    string    `json:"location,omitempty"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
	Pressure    *float64  `json:"pressure"`
	RainChance  float64   `json:"rainChance"` // 0-100
	FetchedAt   time.Time `json:"fetchedAt"`
}
