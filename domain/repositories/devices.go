package repositories

import (
	"context"

	"github.com/kayuhara/hibiki/server/domain/entities"
)

// DeviceRepository defines data access for provisioned devices.
type DeviceRepository interface {
	Create(ctx context.Context, device *entities.Device) error
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
	// ValidateDevice checks device credentials for token issuance.
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)
}
