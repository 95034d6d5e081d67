package domain

import (
	"time"
)

// Transaction is the raw metadata of a payment, as received from the
// serving layer. Feature extraction happens upstream.
type Transaction struct {
	// Parties involved. SenderID is the entity the history is keyed by.
	SenderID   string `json:"sender_id" validate:"required"`
	ReceiverID string `json:"receiver_id" validate:"required"`

	// Financial details
	Amount float64 `json:"amount" validate:"gt=0"`

	// Device and location
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`

	// Temporal
	Hour      int `json:"hour" validate:"gte=0,lte=23"`
	DayOfWeek int `json:"day_of_week" validate:"gte=0,lte=6"`

	// Timestamp is the client's transaction time. It is informational only;
	// history and velocity use the server clock.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PredictionRequest is one transaction plus its precomputed feature vector.
type PredictionRequest struct {
	Transaction Transaction   `json:"transaction" validate:"required"`
	Features    FeatureVector `json:"features" validate:"required,min=1"`
}
