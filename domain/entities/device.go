package entities

import (
	"errors"
	"time"
)

// Device represents a provisioned speaker device.
type Device struct {
	ID           string    `json:"id"`
	SerialNumber string    `json:"serial_number"`
	MacAddress   string    `json:"mac_address"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields required before a device can be stored.
func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial_number is required")
	}
	return nil
}
