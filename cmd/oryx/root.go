package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pythops/oryx-sub000/internal/config"
	"github.com/pythops/oryx-sub000/internal/obs"
)

// newRootCmd builds the oryx command tree, grounded on oryx-tui/src/cli.rs's
// flag set (--interface/-i, --transport/-t, --network/-n, --link/-l,
// --direction/-d) and bound through viper so every flag doubles as an
// ORYX_-prefixed environment variable.
func newRootCmd() *cobra.Command {
	var (
		iface     string
		transport []string
		network   []string
		link      []string
		direction []string
	)

	cmd := &cobra.Command{
		Use:           "oryx",
		Short:         "A terminal-based live network traffic inspector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runArgs{
				interfaceName: viper.GetString("interface"),
				transport:     viper.GetStringSlice("transport"),
				network:       viper.GetStringSlice("network"),
				link:          viper.GetStringSlice("link"),
				direction:     viper.GetStringSlice("direction"),
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&iface, "interface", "i", "", "network interface")
	flags.StringSliceVarP(&transport, "transport", "t", []string{"all"}, "transport layer protocols (tcp,udp,sctp,all)")
	flags.StringSliceVarP(&network, "network", "n", []string{"all"}, "network layer protocols (ipv4,ipv6,icmp,all)")
	flags.StringSliceVarP(&link, "link", "l", []string{"all"}, "link layer protocols (arp,all)")
	flags.StringSliceVarP(&direction, "direction", "d", []string{"all"}, "traffic direction (ingress,egress,all)")

	if err := cmd.MarkFlagRequired("interface"); err != nil {
		panic(err)
	}

	for _, name := range []string{"interface", "transport", "network", "link", "direction"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("oryx")
	viper.AutomaticEnv()

	return cmd
}

// requireRoot enforces the CAP_NET_ADMIN/CAP_BPF privilege spec.md §7
// names as the precondition for attaching the kernel classifier; running
// unprivileged is reported as an exit-code-1 failure rather than a late
// ebpf.NewCollection error, so the user gets an immediately actionable
// message.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("oryx requires root privileges (CAP_NET_ADMIN and CAP_BPF) to attach the kernel classifier")
	}
	return nil
}

func newLogger() logrus.FieldLogger {
	return obs.NewLogger(os.Stderr)
}
