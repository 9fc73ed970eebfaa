package modbus

import (
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"talosgateway/pkg/bus"
	modbus "talosgateway/pkg/protocol/modbus/runtime"
	"talosgateway/pkg/runtime/constant"
)

const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultTimeout  = time.Second
)

// PortConfig 一条物理总线的连接参数
type PortConfig struct {
	Transport constant.Transport `json:"transport,omitempty"` // rtu | tcp | rtu_over_tcp
	Location  string             `json:"location"`            // 串口路径或主机地址
	Port      int                `json:"port,omitempty"`      // tcp 端口号
	BaudRate  int                `json:"baudrate,omitempty"`  // 波特率
	DataBits  int                `json:"bytesize,omitempty"`  // 数据位
	Parity    constant.Parity    `json:"parity,omitempty"`    // 校验位
	StopBits  constant.StopBits  `json:"stopbits,omitempty"`  // 停止位
	Timeout   metav1.Duration    `json:"timeout,omitempty"`   // 读超时
}

// Complete fills unset fields with their defaults.
func (c *PortConfig) Complete() {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	if c.Timeout.Duration == 0 {
		c.Timeout.Duration = DefaultTimeout
	}
}

func (c *PortConfig) Address() *modbus.Address {
	return &modbus.Address{
		Location: c.Location,
		Option: &modbus.Option{
			Port:     c.Port,
			BaudRate: c.BaudRate,
			DataBits: c.DataBits,
			Parity:   c.Parity,
			StopBits: c.StopBits,
			Timeout:  c.Timeout.Duration,
		},
	}
}

func ValidatePortConfig(c *PortConfig, fldPath *field.Path) field.ErrorList {
	allErrs := field.ErrorList{}
	if c.Location == "" {
		allErrs = append(allErrs, field.Required(fldPath.Child("location"), "serial device or host is required"))
	}
	if _, ok := constant.TransportToString[c.Transport]; !ok {
		allErrs = append(allErrs, field.NotSupported(fldPath.Child("transport"), c.Transport, []string{"rtu", "tcp", "rtu_over_tcp"}))
	}
	if c.Port < 0 || c.Port > 65535 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("port"), c.Port, "must be between 0 and 65535"))
	}
	if c.BaudRate < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("baudrate"), c.BaudRate, "must not be negative"))
	}
	if c.DataBits != 0 && (c.DataBits < 5 || c.DataBits > 8) {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("bytesize"), c.DataBits, "must be between 5 and 8"))
	}
	if c.Timeout.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(fldPath.Child("timeout"), c.Timeout.Duration.String(), "must not be negative"))
	}
	return allErrs
}

// PortManager opens one bus.Port per configured name and shares it between the devices on it.
type PortManager struct {
	mux   sync.Mutex
	ports map[string]*bus.Port
}

func NewPortManager() *PortManager {
	return &PortManager{ports: make(map[string]*bus.Port)}
}

// Open returns the port called name, creating it from config on first use. The connection itself
// is established lazily by the first transaction.
func (m *PortManager) Open(name string, config PortConfig) (*bus.Port, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if port, ok := m.ports[name]; ok {
		return port, nil
	}

	config.Complete()
	client, err := NewClient(config.Transport, config.Address())
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", name, err)
	}
	port := bus.NewPort(name, client)
	m.ports[name] = port
	klog.V(2).InfoS("Succeed to create modbus port", "port", name, "transport", config.Transport, "location", config.Location)
	return port, nil
}

// Add registers an already built port, tests use it with an in-memory transport.
func (m *PortManager) Add(port *bus.Port) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.ports[port.Name()] = port
}

func (m *PortManager) Get(name string) (*bus.Port, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	port, ok := m.ports[name]
	return port, ok
}

func (m *PortManager) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	var errs []error
	for name, port := range m.ports {
		if err := port.Close(); err != nil {
			klog.V(2).InfoS("Failed to close port", "port", name, "error", err)
			errs = append(errs, err)
		}
		delete(m.ports, name)
	}
	return utilerrors.NewAggregate(errs)
}
