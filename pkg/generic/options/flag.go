package options

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

type Optioner interface {
	AddFlags(*pflag.FlagSet)
	GetBaseOptions() *BaseOptions
}

// BaseOptions are the flags shared by every command: config file and logging.
type BaseOptions struct {
	ConfigFile string `json:"-"`
	Logging    LoggingConfiguration
}

func NewDefaultBaseOptions() BaseOptions {
	return BaseOptions{
		Logging: NewDefaultLoggingConfiguration(),
	}
}

func (bo *BaseOptions) GetBaseOptions() *BaseOptions {
	return bo
}

func (bo *BaseOptions) AddBaseFlags(cmd *cobra.Command, fs *pflag.FlagSet) {
	bo.addConfigFile(fs)
	bo.Logging.BindLoggingFlags(fs)
	addHelpAndUsage(cmd, fs)
	fs.Bool("default-config", false, "Print the default configuration as yaml and exit")
}

func (bo *BaseOptions) addConfigFile(fs *pflag.FlagSet) {
	fs.StringVarP(&bo.ConfigFile, "config", "c", bo.ConfigFile, "Load the initial configuration from this yaml file. Relative paths start at the current working directory. Command-line flags override values from this file.")
}

func (bo *BaseOptions) ValidateAndApply() error {
	return bo.Logging.ValidateAndApply()
}

func PrintHelpAndExitIfRequested(cmd *cobra.Command, fs *pflag.FlagSet) {
	help, err := fs.GetBool("help")
	if err != nil {
		klog.InfoS(`"help" flag is non-bool, programmer error, please correct`)
		os.Exit(1)
	}
	if help {
		_ = cmd.Help()
		os.Exit(0)
	}
}

func PrintDefaultConfigAndExitIfRequested(config interface{}, fs *pflag.FlagSet) {
	defaultConfig, err := fs.GetBool("default-config")
	if err != nil {
		klog.InfoS(`"default-config" flag is non-bool, programmer error, please correct`)
		os.Exit(1)
	}
	if !defaultConfig {
		return
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		klog.ErrorS(err, "Failed to marshal default config to yaml")
		os.Exit(1)
	}
	fmt.Println("# Default configuration, pass an edited copy with --config.")
	fmt.Printf("\n%v\n", string(data))
	os.Exit(0)
}

func addHelpAndUsage(cmd *cobra.Command, fs *pflag.FlagSet) {
	fs.BoolP("help", "h", false, fmt.Sprintf("help for %s", cmd.Name()))

	// cobra's default UsageFunc and HelpFunc add the global flags
	const usageFmt = "Usage:\n  %s\n\nFlags:\n%s"
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		_, _ = fmt.Fprintf(cmd.OutOrStderr(), usageFmt, cmd.UseLine(), fs.FlagUsagesWrapped(2))
		return nil
	})
	cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n"+usageFmt, cmd.Long, cmd.UseLine(), fs.FlagUsagesWrapped(2))
	})
}

// ParseAndApplyConfigFile loads the config file into o, then parses args again so explicit
// flags win over the file.
func ParseAndApplyConfigFile(o Optioner, args []string) error {
	if len(o.GetBaseOptions().ConfigFile) == 0 {
		return nil
	}
	if err := loadConfigFile(o); err != nil {
		return err
	}

	fs := pflag.NewFlagSet("", pflag.ContinueOnError)
	o.AddFlags(fs)
	o.GetBaseOptions().addConfigFile(fs)
	o.GetBaseOptions().Logging.BindLoggingFlags(fs)
	fs.BoolP("help", "h", false, "")
	fs.Bool("default-config", false, "")
	return fs.Parse(args)
}

func loadConfigFile(o Optioner) error {
	path, err := filepath.Abs(o.GetBaseOptions().ConfigFile)
	if err != nil {
		return errors.Wrapf(err, "resolve config file %s", o.GetBaseOptions().ConfigFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err = yaml.UnmarshalStrict(data, o); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	klog.V(2).InfoS("Loaded config file", "file", path)
	return nil
}
