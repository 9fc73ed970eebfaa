package options

import (
	"fmt"
	"os"
	"strconv"

	"talosgateway/pkg/storage"
)

func Validate(o *Options) []error {
	var errs []error
	if err := o.BaseOptions.ValidateAndApply(); err != nil {
		errs = append(errs, err)
	}
	if port, err := strconv.Atoi(o.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid metrics-port %q", o.Port))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive, got %s", o.PollInterval))
	}
	if o.Wait < 0 {
		errs = append(errs, fmt.Errorf("graceful-timeout must not be negative, got %s", o.Wait))
	}
	if info, err := os.Stat(o.DriverDir); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Errorf("driver-dir %s is not a directory", o.DriverDir))
	}
	if o.DeviceConfig == "" {
		errs = append(errs, fmt.Errorf("device-config is required"))
	}
	driver, ok := storage.DriverFromString[o.JournalDriver]
	if !ok {
		errs = append(errs, fmt.Errorf("unsupported journal-driver %q", o.JournalDriver))
	} else if driver != storage.DriverNone && o.JournalPath == "" {
		errs = append(errs, fmt.Errorf("journal-path is required for journal-driver %s", o.JournalDriver))
	}
	return errs
}
