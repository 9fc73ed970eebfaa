package gateway

import (
	"time"

	"github.com/google/uuid"
	"talosgateway/pkg/device"
)

// Meta identifies one running gateway process.
type Meta struct {
	Name      string    `json:"name"`       // 网关名称
	ID        string    `json:"id"`         // 每次启动生成
	StartTime time.Time `json:"start_time"` // 启动时间
}

func NewMeta(name string) *Meta {
	return &Meta{Name: name, ID: uuid.NewString(), StartTime: time.Now()}
}

type DeviceStatus struct {
	device.Key
	Online bool `json:"online"`
}

// Status is reported by /healthz.
type Status struct {
	*Meta
	Running bool           `json:"running"`
	Devices []DeviceStatus `json:"devices"`
	Online  int            `json:"online"`
}
