package options

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"k8s.io/component-base/config"
	"k8s.io/component-base/logs"
	"k8s.io/component-base/logs/registry"
)

// LoggingConfiguration exposes -v, --vmodule and --logging-format. The other klog flags stay
// hidden.
type LoggingConfiguration struct {
	config.LoggingConfiguration
}

func NewDefaultLoggingConfiguration() LoggingConfiguration {
	return LoggingConfiguration{
		config.LoggingConfiguration{
			Format:    "text",
			Verbosity: 2,
		},
	}
}

func (l *LoggingConfiguration) ValidateAndApply() error {
	o := logs.NewOptions()
	o.Config.Format = l.Format
	o.Config.Verbosity = l.Verbosity
	o.Config.VModule = l.VModule
	return o.ValidateAndApply()
}

type marshalLoggingConfig struct {
	Format    string                      `json:"format"`
	Verbosity config.VerbosityLevel       `json:"verbosity"`
	VModule   config.VModuleConfiguration `json:"vmodule,omitempty"`
}

func (l LoggingConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(&marshalLoggingConfig{
		Format:    l.Format,
		Verbosity: l.Verbosity,
		VModule:   l.VModule,
	})
}

func (l *LoggingConfiguration) UnmarshalJSON(bytes []byte) error {
	in := &marshalLoggingConfig{Format: l.Format, Verbosity: l.Verbosity}
	if err := json.Unmarshal(bytes, in); err != nil {
		return err
	}
	l.Format = in.Format
	l.Verbosity = in.Verbosity
	l.VModule = in.VModule
	return nil
}

func (l *LoggingConfiguration) BindLoggingFlags(fs *pflag.FlagSet) {
	visible := map[string]bool{
		"v":              true,
		"vmodule":        true,
		"logging-format": true,
	}

	logsFs := pflag.NewFlagSet("", pflag.ContinueOnError)
	logs.BindLoggingFlags(&l.LoggingConfiguration, logsFs)
	logsFs.VisitAll(func(f *pflag.Flag) {
		if !visible[f.Name] {
			f.Hidden = true
			return
		}
		if f.Name == "logging-format" {
			formats := fmt.Sprintf(`"%s"`, strings.Join(registry.LogRegistry.List(), `", "`))
			f.Usage = fmt.Sprintf("Sets the log format. Permitted formats: %s.", formats)
		}
	})
	fs.AddFlagSet(logsFs)
}
