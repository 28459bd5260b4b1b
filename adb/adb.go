package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

// Client wraps ADB command execution. Every call honors ctx: a cancelled or
// expired context kills the adb process.
type Client struct {
	ADBPath string
	log     zerolog.Logger
}

// NewClient creates a new ADB client. An empty path means "adb" on PATH.
func NewClient(adbPath string, log zerolog.Logger) *Client {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Client{
		ADBPath: adbPath,
		log:     log,
	}
}

// run executes adb with args and returns stdout. Failures carry stderr.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.ADBPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", errors.WithHintf(err, "install platform-tools or set adb.path (currently %q)", c.ADBPath)
		}
		return "", fmt.Errorf("adb %s: %w, stderr: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// shell runs `adb -s <serial> shell <command>`.
func (c *Client) shell(ctx context.Context, serial, command string) (string, error) {
	return c.run(ctx, "-s", serial, "shell", command)
}

// ListDevices returns the devices currently online.
// If the same physical device is connected via both USB and WiFi, WiFi is preferred.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	output, err := c.run(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := parseDeviceList(output)
	for i := range devices {
		devices[i].HardwareSerial = c.getSerialNumber(ctx, devices[i].ADBDeviceID)
		c.enrichDeviceInfo(ctx, &devices[i])
	}

	result := deduplicateDevices(devices)
	if len(result) != len(devices) {
		c.log.Debug().Int("devices", len(result)).Int("raw", len(devices)).Msg("deduplicated device list")
	}
	return result, nil
}

// Connect performs the handshake with a device: `adb connect` for network
// addresses, then a state check, then a property read.
func (c *Client) Connect(ctx context.Context, address string) (models.Device, error) {
	if isWiFiConnection(address) {
		out, err := c.run(ctx, "connect", address)
		if err != nil {
			return models.Device{}, err
		}
		if !strings.Contains(out, "connected to") {
			return models.Device{}, fmt.Errorf("adb connect %s: %s", address, strings.TrimSpace(out))
		}
	}

	if err := c.Ping(ctx, address); err != nil {
		return models.Device{}, err
	}

	device := models.Device{
		ADBDeviceID: address,
		Name:        address,
		Status:      "online",
	}
	if model, err := c.getProperty(ctx, address, "ro.product.model"); err == nil && strings.TrimSpace(model) != "" {
		device.Name = strings.TrimSpace(model)
	}
	c.enrichDeviceInfo(ctx, &device)
	return device, nil
}

// Ping succeeds when adb reports the device in the "device" state.
func (c *Client) Ping(ctx context.Context, address string) error {
	out, err := c.run(ctx, "-s", address, "get-state")
	if err != nil {
		return err
	}
	if state := strings.TrimSpace(out); state != "device" {
		return fmt.Errorf("device %s is %s", address, state)
	}
	return nil
}

// Disconnect drops a network connection. USB devices have nothing to tear down.
func (c *Client) Disconnect(ctx context.Context, address string) error {
	if !isWiFiConnection(address) {
		return nil
	}
	_, err := c.run(ctx, "disconnect", address)
	return err
}

// getSerialNumber gets the hardware serial number of the device
func (c *Client) getSerialNumber(ctx context.Context, adbDeviceID string) string {
	out, err := c.getProperty(ctx, adbDeviceID, "ro.serialno")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// isWiFiConnection checks if the device ID is a WiFi connection (IP:port format)
func isWiFiConnection(adbDeviceID string) bool {
	return strings.Contains(adbDeviceID, ":")
}

// deduplicateDevices removes duplicate entries when same device is connected via USB and WiFi
func deduplicateDevices(devices []models.Device) []models.Device {
	serialToIndex := make(map[string]int)
	result := make([]models.Device, 0, len(devices))

	for _, device := range devices {
		key := device.HardwareSerial
		if key == "" {
			key = device.ADBDeviceID
		}

		idx, exists := serialToIndex[key]
		if !exists {
			serialToIndex[key] = len(result)
			result = append(result, device)
			continue
		}
		// Same physical device seen twice: keep the WiFi entry.
		if isWiFiConnection(device.ADBDeviceID) && !isWiFiConnection(result[idx].ADBDeviceID) {
			result[idx] = device
		}
	}
	return result
}

// parseDeviceList parses the output of 'adb devices -l'
func parseDeviceList(output string) []models.Device {
	var devices []models.Device
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		// Only include devices that are online
		if parts[1] != "device" {
			continue
		}

		device := models.Device{
			ADBDeviceID: parts[0],
			Name:        parts[0],
			Status:      "online",
		}

		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				device.Name = strings.ReplaceAll(strings.TrimPrefix(part, "model:"), "_", " ")
			}
		}

		devices = append(devices, device)
	}

	return devices
}

// enrichDeviceInfo gets additional device properties via shell commands.
// Failures leave the fields empty.
func (c *Client) enrichDeviceInfo(ctx context.Context, device *models.Device) {
	if version, err := c.getProperty(ctx, device.ADBDeviceID, "ro.build.version.release"); err == nil {
		device.AndroidVersion = strings.TrimSpace(version)
	}

	if out, err := c.shell(ctx, device.ADBDeviceID, "wm size"); err == nil {
		device.Resolution = parseScreenResolution(out)
	}

	if out, err := c.shell(ctx, device.ADBDeviceID, "dumpsys battery"); err == nil {
		if level, ok := parseBatteryLevel(out); ok {
			device.Battery = level
		}
	}
}

func (c *Client) getProperty(ctx context.Context, deviceID, property string) (string, error) {
	return c.shell(ctx, deviceID, "getprop "+property)
}

// parseScreenResolution reads `wm size` output. "Override size" wins over
// "Physical size" because it is what the device actually renders.
func parseScreenResolution(output string) string {
	var physicalSize, overrideSize string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Physical size:"); ok {
			physicalSize = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Override size:"); ok {
			overrideSize = strings.TrimSpace(v)
		}
	}

	if overrideSize != "" {
		return overrideSize
	}
	if physicalSize != "" {
		return physicalSize
	}
	return "unknown"
}

func parseBatteryLevel(output string) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "level:"); ok {
			var level int
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &level); err == nil {
				return level, true
			}
		}
	}
	return 0, false
}
