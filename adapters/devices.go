package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kayuhara/hibiki/server/domain/entities"
)

// ErrDeviceNotFound is returned when no device matches the lookup.
var ErrDeviceNotFound = errors.New("device not found")

// MemoryDeviceRepository is an in-memory DeviceRepository used as the
// default storage backend. Devices and their secrets live only for the
// process lifetime.
type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device // id -> device
	serials map[string]*entities.Device // serial number -> device
	secrets map[string]string           // serial number -> secret key
}

// NewMemoryDeviceRepository creates an empty in-memory device repository.
func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[string]*entities.Device),
		serials: make(map[string]*entities.Device),
		secrets: make(map[string]string),
	}
}

// Create stores a new device, generating an ID when none is set.
func (m *MemoryDeviceRepository) Create(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.serials[device.SerialNumber]; exists {
		return errors.New("device with this serial number already exists")
	}

	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	stored := *device
	m.devices[device.ID] = &stored
	m.serials[device.SerialNumber] = &stored
	return nil
}

// GetByID returns a copy of the device with the given ID.
func (m *MemoryDeviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[id]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// GetBySerialNumber returns a copy of the device with the given serial.
func (m *MemoryDeviceRepository) GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// ValidateDevice checks serial number and secret for token issuance.
func (m *MemoryDeviceRepository) ValidateDevice(serialNumber, secret string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.secrets[serialNumber]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	if stored != secret {
		return nil, errors.New("invalid credentials")
	}

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// RegisterDeviceSecret sets the authentication secret for a serial number.
func (m *MemoryDeviceRepository) RegisterDeviceSecret(serialNumber, secret string) error {
	if serialNumber == "" || secret == "" {
		return errors.New("serial number and secret are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[serialNumber] = secret
	return nil
}
