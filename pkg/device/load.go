package device

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
	"talosgateway/pkg/protocol/modbus"
	"talosgateway/pkg/scale"
)

// InstanceConfig 设备实例配置
type InstanceConfig struct {
	Model                 string                 `json:"model"`
	SlaveID               uint8                  `json:"slave_id"`
	Port                  string                 `json:"port"`
	Capabilities          *Capabilities          `json:"capabilities,omitempty"`
	Constraints           map[string]*Constraint `json:"constraints,omitempty"`
	UseDefaultConstraints *bool                  `json:"use_default_constraints,omitempty"`
	Modes                 *scale.Modes           `json:"modes,omitempty"`
}

func (c *InstanceConfig) Key() Key {
	return Key{Model: c.Model, SlaveID: c.SlaveID}
}

// UsesDefaultConstraints defaults to true.
func (c *InstanceConfig) UsesDefaultConstraints() bool {
	return c.UseDefaultConstraints == nil || *c.UseDefaultConstraints
}

// Config 设备配置文件: 总线与设备实例
type Config struct {
	Ports   map[string]modbus.PortConfig `json:"ports"`
	Devices []InstanceConfig             `json:"devices"`
}

// LoadConfig reads the device configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read device config %s", path)
	}
	config := &Config{}
	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parse device config %s", path)
	}
	return config, nil
}

// LoadModels reads every *.yaml and *.yml driver file in dir. A file that cannot be parsed or a
// register that fails validation is reported and skipped, the remaining models load.
func LoadModels(dir string) (map[string]*Model, field.ErrorList, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read driver dir %s", dir)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	models := make(map[string]*Model, len(files))
	report := field.ErrorList{}
	for _, file := range files {
		model, errs, err := LoadModel(file)
		if err != nil {
			klog.ErrorS(err, "Failed to load driver", "file", file)
			report = append(report, field.Invalid(field.NewPath(filepath.Base(file)), file, err.Error()))
			continue
		}
		for _, e := range errs {
			klog.ErrorS(e, "Invalid driver definition", "file", file)
		}
		report = append(report, prefix(filepath.Base(file), errs)...)
		if model == nil {
			continue
		}
		if _, exists := models[model.Model]; exists {
			report = append(report, field.Duplicate(field.NewPath(filepath.Base(file)).Child("model"), model.Model))
			continue
		}
		models[model.Model] = model
		klog.V(2).InfoS("Loaded driver", "model", model.Model, "registers", len(model.RegisterMap), "computed", len(model.computed), "file", file)
	}
	return models, report, nil
}

// LoadModel parses and validates one driver file.
func LoadModel(file string) (*Model, field.ErrorList, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read driver %s", file)
	}
	spec := &DeviceModel{}
	if err = yaml.Unmarshal(data, spec); err != nil {
		return nil, nil, errors.Wrapf(err, "parse driver %s", file)
	}
	model, errs := NewModel(spec)
	return model, errs, nil
}

func prefix(root string, errs field.ErrorList) field.ErrorList {
	out := make(field.ErrorList, 0, len(errs))
	for _, e := range errs {
		copied := *e
		copied.Field = root + "." + e.Field
		out = append(out, &copied)
	}
	return out
}
