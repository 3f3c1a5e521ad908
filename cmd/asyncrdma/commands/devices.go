package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/asyncrdma/internal/config"
	"github.com/piwi3910/asyncrdma/internal/hardware"
	"github.com/piwi3910/asyncrdma/internal/transport/rdma"
)

func newDevicesCmd(g *globalFlags) *cobra.Command {
	var sysfsRoot string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices of the configured backend",
		Long: `Devices lists the devices the configured verbs backend can open.

With --sysfs it reads port link state from the kernel instead, which works
on hosts where the verbs backend is not compiled in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("sysfs") {
				return printSysfsDevices(cmd, sysfsRoot)
			}

			cfg, err := g.load(config.Options{})
			if err != nil {
				return err
			}

			backend, err := openListingBackend(cfg.RDMA)
			if err != nil {
				return err
			}

			// The simulated fabric is shared by the whole process.
			if backend.Name() != rdma.BackendSimulated {
				defer backend.Close() //nolint:errcheck // read-only use
			}

			devices, err := backend.GetDeviceList()
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "BACKEND\tDEVICE\tGUID\tFIRMWARE\tPORTS\tVENDOR\n")

			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%016x\t%s\t%d\t%#x:%#x\n",
					backend.Name(), d.Name, d.GUID, d.FWVer, d.PhysPortCnt, d.VendorID, d.VendorPartID)
			}

			if len(devices) == 0 {
				fmt.Fprintf(w, "%s\t(none)\t\t\t\t\n", backend.Name())
			}

			fmt.Fprintf(w, "\nregistered backends: %v\n", rdma.Backends())

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sysfsRoot, "sysfs", hardware.DefaultSysfsRoot, "read devices from sysfs, --sysfs=DIR for another root")
	cmd.Flags().Lookup("sysfs").NoOptDefVal = hardware.DefaultSysfsRoot

	return cmd
}

func printSysfsDevices(cmd *cobra.Command, root string) error {
	devices, err := hardware.NewScanner(root).Scan()
	if err != nil {
		return fmt.Errorf("failed to scan sysfs: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "DEVICE\tTYPE\tFIRMWARE\tPORT\tLINK\tSTATE\tLID\tRATE\n")

	for _, d := range devices {
		if len(d.Ports) == 0 {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t\t\t\t\n", d.Name, d.NodeType, d.FirmwareVer)
		}

		for _, p := range d.Ports {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%#x\t%d Gb/s\n",
				d.Name, d.NodeType, d.FirmwareVer, p.Number, p.LinkLayer, p.State, p.LID, p.Rate)
		}
	}

	if len(devices) == 0 {
		fmt.Fprintf(w, "(none under %s)\n", root)
	}

	return w.Flush()
}

// openListingBackend opens the configured backend, resolving auto the way
// the transport does.
func openListingBackend(cfg config.RDMAConfig) (rdma.VerbsBackend, error) {
	name := cfg.Backend
	if name == "" || name == rdma.BackendAuto {
		backend, err := rdma.OpenBackend(rdma.BackendVerbs)
		if err == nil || !cfg.FallbackSimulated {
			return backend, err
		}

		name = rdma.BackendSimulated
	}

	return rdma.OpenBackend(name)
}
