package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/device"
)

type backendListing struct {
	Name      string                `json:"name"`
	Platforms []device.PlatformInfo `json:"platforms"`
	Error     string                `json:"error,omitempty"`
}

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List compute platforms and devices",
		Long: `List the platforms and devices of every compiled-in backend. The
indices shown are the values for --platform and --device (or
HEATSTEP_SELECT_PLATFORM / HEATSTEP_SELECT_DEVICE).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			only, _ := cmd.Flags().GetString("backend")

			names := device.Backends()
			if only != "" {
				if _, err := device.Lookup(only); err != nil {
					return err
				}
				names = []string{only}
			}

			listings := make([]backendListing, 0, len(names))
			for _, name := range names {
				l := backendListing{Name: name}
				platforms, err := device.Describe(name)
				if err != nil {
					l.Error = err.Error()
				}
				l.Platforms = platforms
				listings = append(listings, l)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(listings)
			}

			out := cmd.OutOrStdout()
			for _, l := range listings {
				fmt.Fprintf(out, "Backend %s:\n", l.Name)
				if l.Error != "" {
					fmt.Fprintf(out, "  unavailable: %s\n", l.Error)
					continue
				}
				fmt.Fprintf(out, "  Found %d platforms\n", len(l.Platforms))
				for _, p := range l.Platforms {
					fmt.Fprintf(out, "  Platform %d: %s (%s)\n", p.Index, p.Name, p.Vendor)
					for _, d := range p.Devices {
						fmt.Fprintf(out, "    Device %d: %s, %d compute units, %s max allocation\n",
							d.Index, d.Name, d.ComputeUnits, humanize.IBytes(uint64(d.MaxAllocBytes)))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().String("backend", "", "Only list this backend")
	return cmd
}
