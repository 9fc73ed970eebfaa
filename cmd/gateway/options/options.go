package options

import (
	"context"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"talosgateway/cmd/gateway/config"
	"talosgateway/pkg/control"
	"talosgateway/pkg/control/actionbus"
	"talosgateway/pkg/device"
	"talosgateway/pkg/gateway"
	baseoptions "talosgateway/pkg/generic/options"
	"talosgateway/pkg/storage"
)

type Options struct {
	Port              string        `json:"metrics-port"`
	Wait              time.Duration `json:"graceful-timeout"`
	PollInterval      time.Duration `json:"poll-interval"`
	DriverDir         string        `json:"driver-dir"`
	DeviceConfig      string        `json:"device-config"`
	ControlConfig     string        `json:"control-config,omitempty"`
	TimeControlConfig string        `json:"time-control-config,omitempty"`
	MQTTBroker        string        `json:"mqtt-broker,omitempty"`
	MQTTTopicPrefix   string        `json:"mqtt-topic-prefix"`
	MQTTClientID      string        `json:"mqtt-client-id,omitempty"`
	MQTTUsername      string        `json:"mqtt-username,omitempty"`
	MQTTPassword      string        `json:"mqtt-password,omitempty"`
	JournalDriver     string        `json:"journal-driver"`
	JournalPath       string        `json:"journal-path"`
	baseoptions.BaseOptions
}

const (
	_defaultPort          = "32200"
	_defaultWait          = 15 * time.Second
	_defaultPollInterval  = 5 * time.Second
	_defaultDriverDir     = "./drivers"
	_defaultDeviceConfig  = "./device_config.yaml"
	_defaultTopicPrefix   = "talos"
	_defaultJournalDriver = "fs"
	_defaultJournalPath   = "./data/control_journal.jsonl"
)

func NewDefaultOptions() *Options {
	return &Options{
		Port:            _defaultPort,
		Wait:            _defaultWait,
		PollInterval:    _defaultPollInterval,
		DriverDir:       _defaultDriverDir,
		DeviceConfig:    _defaultDeviceConfig,
		MQTTTopicPrefix: _defaultTopicPrefix,
		JournalDriver:   _defaultJournalDriver,
		JournalPath:     _defaultJournalPath,
		BaseOptions:     baseoptions.NewDefaultBaseOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Port, "metrics-port", "P", o.Port, "Port serving /metrics and /healthz")
	fs.DurationVar(&o.Wait, "graceful-timeout", o.Wait, "The duration for which the gateway waits for running cycles and connections to finish on shutdown - e.g. 15s or 1m")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Interval of the read, evaluate, execute cycle of each device")
	fs.StringVar(&o.DriverDir, "driver-dir", o.DriverDir, "Directory of the device driver yaml files")
	fs.StringVar(&o.DeviceConfig, "device-config", o.DeviceConfig, "Ports and device instances")
	fs.StringVar(&o.ControlConfig, "control-config", o.ControlConfig, "Control rules per model and instance. Empty disables rule based control")
	fs.StringVar(&o.TimeControlConfig, "time-control-config", o.TimeControlConfig, "Work hours per device. Empty disables time control")
	fs.StringVar(&o.MQTTBroker, "mqtt-broker", o.MQTTBroker, "MQTT broker of the action bus, e.g. tcp://127.0.0.1:1883. Empty keeps the bus in process")
	fs.StringVar(&o.MQTTTopicPrefix, "mqtt-topic-prefix", o.MQTTTopicPrefix, "Prefix of the <prefix>/control and <prefix>/results topics")
	fs.StringVar(&o.MQTTClientID, "mqtt-client-id", o.MQTTClientID, "MQTT client id, generated when empty")
	fs.StringVar(&o.MQTTUsername, "mqtt-username", o.MQTTUsername, "MQTT username")
	fs.StringVar(&o.MQTTPassword, "mqtt-password", o.MQTTPassword, "MQTT password")
	fs.StringVar(&o.JournalDriver, "journal-driver", o.JournalDriver, "Execution journal driver: fs, sqlite or none")
	fs.StringVar(&o.JournalPath, "journal-path", o.JournalPath, "Execution journal file")
}

// Config loads drivers, devices and control configuration and wires the control engine.
// Invalid definitions are logged and skipped, unreadable files are fatal.
func (o *Options) Config() (*config.Config, error) {
	models, issues, err := device.LoadModels(o.DriverDir)
	if err != nil {
		return nil, err
	}
	logIssues("driver", issues)

	deviceConfig, err := device.LoadConfig(o.DeviceConfig)
	if err != nil {
		return nil, err
	}

	journal, err := storage.New(storage.DriverFromString[o.JournalDriver], o.JournalPath)
	if err != nil {
		return nil, err
	}
	managerOpts := []device.Option{device.WithCloser("journal", func(context.Context) error { return journal.Close() })}

	// 设备加载完成前到达的动作一律丢弃
	var loaded atomic.Value
	managed := func(model string, slaveID uint8) bool {
		devices, ok := loaded.Load().(*device.Manager)
		if !ok {
			return false
		}
		_, err := devices.Get(model, slaveID)
		return err == nil
	}

	gatewayOpts := []gateway.Option{gateway.WithInterval(o.PollInterval)}
	if o.MQTTBroker != "" {
		bus, err := actionbus.Dial(actionbus.Options{
			Broker:   o.MQTTBroker,
			ClientID: o.MQTTClientID,
			Username: o.MQTTUsername,
			Password: o.MQTTPassword,
			Prefix:   o.MQTTTopicPrefix,
			Accept:   managed,
		})
		if err != nil {
			_ = journal.Close()
			return nil, err
		}
		managerOpts = append(managerOpts, device.WithCloser("action bus", func(context.Context) error { return bus.Close() }))
		gatewayOpts = append(gatewayOpts, gateway.WithActionSource(bus), gateway.WithResultSink(bus))
	} else {
		gatewayOpts = append(gatewayOpts, gateway.WithActionSource(actionbus.NewQueue(actionbus.WithAccept(managed))))
	}

	devices := device.NewManager(models, managerOpts...)
	logIssues("device", devices.Load(deviceConfig))
	loaded.Store(devices)

	var controls control.Config
	if o.ControlConfig != "" {
		if controls, err = control.LoadConfig(o.ControlConfig); err != nil {
			return nil, err
		}
	}
	rules, issues := control.NewRuleSet(controls)
	logIssues("control", issues)

	if o.TimeControlConfig != "" {
		timeConfig, err := control.LoadTimeControlConfig(o.TimeControlConfig)
		if err != nil {
			return nil, err
		}
		te, err := control.NewTimeEvaluator(timeConfig)
		if err != nil {
			return nil, err
		}
		gatewayOpts = append(gatewayOpts, gateway.WithTimeControl(control.NewTimeControl(te, devices.Capabilities())))
	}

	evaluator := control.NewEvaluator(rules, control.WithBounds(devices))
	executor := control.NewExecutor(control.ManagerResolver(devices),
		control.WithHealthChecker(devices),
		control.WithJournal(journal),
	)
	return &config.Config{
		Devices: devices,
		Gateway: gateway.NewManager(evaluator, executor, gatewayOpts...),
	}, nil
}

func logIssues(kind string, issues field.ErrorList) {
	if len(issues) == 0 {
		return
	}
	klog.Warningf("%d invalid %s definitions skipped", len(issues), kind)
}
