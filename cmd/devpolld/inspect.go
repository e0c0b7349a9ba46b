package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"devpoll/internal/app"
	logx "devpoll/pkg/logx"

	"github.com/spf13/cobra"
)

func openInspector(cmd *cobra.Command) (*app.Inspector, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return app.OpenInspector(cfgPath, logx.NewConsole("warn"))
}

func newTable(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List configured jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := openInspector(cmd)
		if err != nil {
			return err
		}
		defer ins.Close()

		tw := newTable(cmd)
		fmt.Fprintln(tw, "NAME\tINTERVAL\tINTENSITY\tPLUGINS")
		for _, j := range ins.Settings.Jobs {
			intensity := fmt.Sprint(j.Intensity)
			if j.Intensity == 0 {
				intensity = "unlimited"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Interval, intensity, strings.Join(j.Plugins, ","))
		}
		return tw.Flush()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List pollable devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := openInspector(cmd)
		if err != nil {
			return err
		}
		defer ins.Close()

		devices, err := ins.Source.Devices(cmd.Context())
		if err != nil {
			return err
		}
		tw := newTable(cmd)
		fmt.Fprintln(tw, "ID\tSYSNAME\tIP\tTYPE\tCATEGORY")
		for _, d := range devices {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Sysname, d.IP, d.Type, d.Category)
		}
		return tw.Flush()
	},
}

var devicesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import devices from a YAML inventory file into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := openInspector(cmd)
		if err != nil {
			return err
		}
		defer ins.Close()

		n, err := ins.Import(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d devices\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run of every job on every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		overdueOnly, _ := cmd.Flags().GetBool("overdue")

		ins, err := openInspector(cmd)
		if err != nil {
			return err
		}
		defer ins.Close()

		now := time.Now()
		rows, err := ins.Status(cmd.Context(), now)
		if err != nil {
			return err
		}
		tw := newTable(cmd)
		fmt.Fprintln(tw, "SYSNAME\tJOB\tLAST RUN\tDURATION\tRESULT\tOVERDUE")
		for _, r := range rows {
			if overdueOnly && !r.Overdue {
				continue
			}
			result := "ok"
			if !r.Success {
				result = "failed"
			}
			overdue := ""
			if r.Overdue {
				overdue = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s ago\t%s\t%s\t%s\n",
				r.Sysname, r.JobName,
				now.Sub(r.EndTime).Round(time.Second),
				r.Duration.Round(time.Millisecond),
				result, overdue,
			)
		}
		return tw.Flush()
	},
}

func init() {
	devicesCmd.AddCommand(devicesImportCmd)
	statusCmd.Flags().Bool("overdue", false, "Only show overdue jobs")
}
