package bmc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"
)

// Options carries the connection details for a management endpoint.
type Options struct {
	Endpoint string
	Username string
	Password string
	Insecure bool
}

// Identity is what a probe learns about the machine behind a management
// endpoint.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	MACs         []string
	PowerState   string
	Capabilities map[string]any
}

// Client wraps a live Redfish session against a single endpoint.
type Client struct {
	api *gofish.APIClient
}

// Connect opens a Redfish session using the provided options.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("bmc endpoint is required")
	}

	api, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint: opts.Endpoint,
		Username: opts.Username,
		Password: opts.Password,
		Insecure: opts.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Endpoint, err)
	}

	return &Client{api: api}, nil
}

// Close logs out the Redfish session.
func (c *Client) Close() {
	if c != nil && c.api != nil {
		c.api.Logout()
	}
}

// Probe reads the first computer system exposed by the endpoint and returns
// its identity.
func (c *Client) Probe(ctx context.Context) (*Identity, error) {
	system, err := c.firstSystem()
	if err != nil {
		return nil, err
	}

	id := &Identity{
		Manufacturer: strings.TrimSpace(system.Manufacturer),
		Model:        strings.TrimSpace(system.Model),
		Serial:       strings.TrimSpace(system.SerialNumber),
		PowerState:   string(system.PowerState),
		Capabilities: map[string]any{
			"uuid":       system.UUID,
			"bios":       system.BIOSVersion,
			"memory_gib": system.MemorySummary.TotalSystemMemoryGiB,
			"cpu_count":  system.ProcessorSummary.Count,
		},
	}

	ifaces, err := system.EthernetInterfaces()
	if err == nil {
		for _, iface := range ifaces {
			if mac := strings.TrimSpace(iface.MACAddress); mac != "" {
				id.MACs = append(id.MACs, strings.ToLower(mac))
			}
		}
	}

	return id, nil
}

// SetPXEBootOnce overrides the next boot to PXE in UEFI mode.
func (c *Client) SetPXEBootOnce(ctx context.Context) error {
	system, err := c.firstSystem()
	if err != nil {
		return err
	}

	boot := redfish.Boot{
		BootSourceOverrideEnabled: redfish.OnceBootSourceOverrideEnabled,
		BootSourceOverrideTarget:  redfish.PxeBootSourceOverrideTarget,
	}
	if system.Boot.BootSourceOverrideMode != "" && system.Boot.BootSourceOverrideMode != redfish.UEFIBootSourceOverrideMode {
		boot.BootSourceOverrideMode = redfish.UEFIBootSourceOverrideMode
	}

	if err := system.SetBoot(boot); err != nil {
		return fmt.Errorf("set pxe boot: %w", err)
	}
	return nil
}

// PowerOn turns the system on if it is not already running.
func (c *Client) PowerOn(ctx context.Context) error {
	system, err := c.firstSystem()
	if err != nil {
		return err
	}
	if system.PowerState == redfish.OnPowerState {
		return nil
	}
	if err := system.Reset(redfish.OnResetType); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return nil
}

// Restart force-restarts a running system, or powers it on when it is off.
func (c *Client) Restart(ctx context.Context) error {
	system, err := c.firstSystem()
	if err != nil {
		return err
	}
	resetType := redfish.ForceRestartResetType
	if system.PowerState != redfish.OnPowerState {
		resetType = redfish.OnResetType
	}
	if err := system.Reset(resetType); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// PowerOff gracefully shuts the system down.
func (c *Client) PowerOff(ctx context.Context) error {
	system, err := c.firstSystem()
	if err != nil {
		return err
	}
	if system.PowerState == redfish.OffPowerState {
		return nil
	}
	if err := system.Reset(redfish.GracefulShutdownResetType); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

func (c *Client) firstSystem() (*redfish.ComputerSystem, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("nil bmc client")
	}

	systems, err := c.api.Service.Systems()
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	if len(systems) == 0 {
		return nil, errors.New("endpoint exposes no systems")
	}
	return systems[0], nil
}
