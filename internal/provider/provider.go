// Package provider defines the cloud provider boundary: create a virtual
// machine with a first-boot payload and destroy it later.
package provider

import (
	"context"
)

// CreateRequest holds the parameters for creating a new machine.
type CreateRequest struct {
	Name       string
	ServerType string
	Region     string
	// UserData is executed by cloud-init on first boot.
	UserData string
}

// Machine is what the provider reports back after creation.
type Machine struct {
	ID         string
	PublicIPv4 string
	PublicIPv6 string
}

// Provider creates and deletes machines. Implementations must be safe for
// concurrent use.
type Provider interface {
	CreateMachine(ctx context.Context, apiKey string, req CreateRequest) (Machine, error)
	DeleteMachine(ctx context.Context, apiKey, machineID string) error
}
