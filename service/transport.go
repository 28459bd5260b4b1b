package service

import (
	"context"

	"mobilecontrol/adb"
	"mobilecontrol/models"
)

// Transport is the debug-bridge channel to devices. Addresses are adb
// serials or host:port pairs.
type Transport interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	Connect(ctx context.Context, address string) (models.Device, error)
	Ping(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error

	Tap(ctx context.Context, address string, p models.Point) error
	Swipe(ctx context.Context, address string, from, to models.Point, durationMs int) error
	Gesture(ctx context.Context, address string, path []models.Point, durationMs int) error
	Text(ctx context.Context, address, text string) error
	Key(ctx context.Context, address string, keycode int) error
	Launch(ctx context.Context, address, packageName, activity string) error
	DumpUI(ctx context.Context, address string) (*adb.UINode, error)
}

var _ Transport = (*adb.Client)(nil)
