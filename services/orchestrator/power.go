package orchestrator

import (
	"context"
	"fmt"

	"metald/pkg/bmc"
	"metald/services/creds"
)

// PowerController drives a machine into a PXE boot.
type PowerController interface {
	PXECycle(ctx context.Context, address string, cred creds.Credential) error
}

// RedfishPower sets PXE-boot-once and power cycles over Redfish.
type RedfishPower struct {
	Insecure bool
}

func (p RedfishPower) PXECycle(ctx context.Context, address string, cred creds.Credential) error {
	client, err := bmc.Connect(ctx, bmc.Options{
		Endpoint: address,
		Username: cred.Username,
		Password: cred.Password,
		Insecure: p.Insecure,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SetPXEBootOnce(ctx); err != nil {
		return fmt.Errorf("set pxe boot once: %w", err)
	}
	if err := client.Restart(ctx); err != nil {
		return fmt.Errorf("power cycle: %w", err)
	}
	return nil
}
