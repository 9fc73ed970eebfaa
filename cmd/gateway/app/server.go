package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilserrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"talosgateway/cmd/gateway/options"
	"talosgateway/pkg/generic"
	baseoptions "talosgateway/pkg/generic/options"
	"talosgateway/pkg/metrics"
	"talosgateway/pkg/web"
)

const (
	ComponentGateway = "talos-gateway"
)

func NewGatewayCmd() *cobra.Command {
	cleanFlagSet := pflag.NewFlagSet(ComponentGateway, pflag.ContinueOnError)
	o := options.NewDefaultOptions()
	cmd := &cobra.Command{
		Use:                ComponentGateway,
		Long:               `The talos gateway polls Modbus devices, evaluates control rules, work hours and constraints, and writes the resulting actions back.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// initial flag parse, since we disable cobra's flag parsing
			if err := cleanFlagSet.Parse(args); err != nil {
				klog.ErrorS(err, "Failed to parse flag")
				_ = cmd.Usage()
				os.Exit(1)
			}

			// check if there are non-flag arguments in the command line
			cmds := cleanFlagSet.Args()
			if len(cmds) > 0 {
				klog.ErrorS(nil, "Unknown command", "command", cmds[0])
				_ = cmd.Usage()
				os.Exit(1)
			}

			// short-circuit on help
			baseoptions.PrintHelpAndExitIfRequested(cmd, cleanFlagSet)

			// short-circuit on defaultconfig
			baseoptions.PrintDefaultConfigAndExitIfRequested(options.NewDefaultOptions(), cleanFlagSet)

			if err := baseoptions.ParseAndApplyConfigFile(o, args); err != nil {
				return err
			}

			if errs := options.Validate(o); len(errs) != 0 {
				return utilserrors.NewAggregate(errs)
			}
			return run(o)
		},
	}

	o.AddFlags(cleanFlagSet)
	o.AddBaseFlags(cmd, cleanFlagSet)

	return cmd
}

func run(o *options.Options) error {
	metrics.Register()

	c, err := o.Config()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := web.NewServer(generic.Default(), o.Port, c)
	exit := server.Serve(ctx)
	klog.V(1).InfoS("Server started", "port", o.Port, "devices", c.Devices.Len())

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)
	<-exitCh
	klog.V(1).InfoS("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.Wait)
	defer shutdownCancel()
	exit(shutdownCtx)
	return nil
}
