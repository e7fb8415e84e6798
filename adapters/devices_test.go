package adapters

import (
	"context"
	"testing"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/domain/repositories"
)

var _ repositories.DeviceRepository = (*MemoryDeviceRepository)(nil)

func TestCreateAndLookup(t *testing.T) {
	repo := NewMemoryDeviceRepository()
	ctx := context.Background()

	device := &entities.Device{SerialNumber: "HBK-0001", MacAddress: "aa:bb:cc:dd:ee:ff", Model: "hibiki-speaker"}
	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if device.ID == "" {
		t.Fatal("Create() must assign an ID")
	}

	byID, err := repo.GetByID(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if byID.SerialNumber != "HBK-0001" {
		t.Errorf("serial = %q, want HBK-0001", byID.SerialNumber)
	}

	bySerial, err := repo.GetBySerialNumber(ctx, "HBK-0001")
	if err != nil {
		t.Fatalf("GetBySerialNumber() error: %v", err)
	}
	if bySerial.ID != device.ID {
		t.Errorf("ID mismatch: %q vs %q", bySerial.ID, device.ID)
	}

	if _, err := repo.GetByID(ctx, "missing"); err != ErrDeviceNotFound {
		t.Errorf("GetByID(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestCreateRejectsDuplicateSerial(t *testing.T) {
	repo := NewMemoryDeviceRepository()
	ctx := context.Background()

	first := &entities.Device{SerialNumber: "HBK-0001"}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.Create(ctx, &entities.Device{SerialNumber: "HBK-0001"}); err == nil {
		t.Error("Create() must reject a duplicate serial number")
	}
}

func TestValidateDevice(t *testing.T) {
	repo := NewMemoryDeviceRepository()
	ctx := context.Background()

	device := &entities.Device{SerialNumber: "HBK-0001"}
	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.RegisterDeviceSecret("HBK-0001", "s3cret"); err != nil {
		t.Fatalf("RegisterDeviceSecret() error: %v", err)
	}

	got, err := repo.ValidateDevice("HBK-0001", "s3cret")
	if err != nil {
		t.Fatalf("ValidateDevice() error: %v", err)
	}
	if got.ID != device.ID {
		t.Errorf("validated device ID = %q, want %q", got.ID, device.ID)
	}

	if _, err := repo.ValidateDevice("HBK-0001", "wrong"); err == nil {
		t.Error("ValidateDevice() must reject a wrong secret")
	}
	if _, err := repo.ValidateDevice("HBK-9999", "s3cret"); err == nil {
		t.Error("ValidateDevice() must reject an unknown serial")
	}
}
