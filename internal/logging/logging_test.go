package logging

import "testing"

func TestNewDevReturnsUsableLogger(t *testing.T) {
	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	defer logger.Sync()
	if logger == nil {
		t.Fatal("New(true) returned a nil logger")
	}
}

func TestNewProductionReturnsUsableLogger(t *testing.T) {
	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	defer logger.Sync()
	if logger == nil {
		t.Fatal("New(false) returned a nil logger")
	}
}

func TestWithTenantAddsTenantField(t *testing.T) {
	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	defer logger.Sync()

	child := WithTenant(logger, "tenant-a")
	if child == nil {
		t.Fatal("WithTenant() returned nil")
	}
	if child == logger {
		t.Error("WithTenant() returned the same logger instance, want a child with the tenant field bound")
	}
}
