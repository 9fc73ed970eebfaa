package config

import (
	"talosgateway/pkg/device"
	"talosgateway/pkg/gateway"
)

type Config struct {
	Devices *device.Manager
	Gateway *gateway.Manager
}
