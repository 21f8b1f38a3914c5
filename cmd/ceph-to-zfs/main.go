// Command ceph-to-zfs drives the backup engine from a configuration file,
// optionally as a scheduled daemon with an HTTP status reporter (spec.md
// §6).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mattventura/ceph-to-zfs/config"
	"github.com/mattventura/ceph-to-zfs/job"
	"github.com/mattventura/ceph-to-zfs/scheduler"
	"github.com/mattventura/ceph-to-zfs/status"
	"github.com/mattventura/ceph-to-zfs/webstatus"
)

// exitMisuse is the CLI-misuse exit code spec.md §6 specifies.
const exitMisuse = 50

// defaultConfigPath is spec.md §6's default, adapted to a Go-native
// system path rather than a Python module path.
const defaultConfigPath = "/etc/ceph-to-zfs/config.yaml"

// defaultCronSpec runs once nightly at 01:00 when -d is given without an
// explicit --schedule.
const defaultCronSpec = "0 1 * * *"

func main() {
	var configPath string
	var daemon bool
	var web bool
	var cronSpec string

	rootCmd := &cobra.Command{
		Use:   "ceph-to-zfs",
		Short: "Incrementally back up Ceph RBD images onto ZFS volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, daemon, web, cronSpec)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	rootCmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "activate the scheduled daemon loop")
	rootCmd.Flags().BoolVarP(&web, "web", "w", false, "enable the HTTP status reporter (requires --daemon)")
	rootCmd.Flags().StringVar(&cronSpec, "schedule", defaultCronSpec, "cron expression for the daemon loop")

	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitMisuse)
	}
}

func run(configPath string, daemon, web bool, cronSpec string) error {
	if web && !daemon {
		fmt.Fprintln(os.Stderr, "--web requires --daemon")
		os.Exit(exitMisuse)
	}

	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s does not exist\n", configPath)
		os.Exit(exitMisuse)
	}

	doc, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitMisuse)
	}
	jobs, err := doc.BuildJobs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitMisuse)
	}

	root := status.NewRoot("ceph-to-zfs", status.DefaultSink)
	control := job.NewGlobalControl(root, jobs)

	if !daemon {
		control.RunAllBlocking()
		return nil
	}

	sched := scheduler.New(control)
	if _, err := sched.AddSchedule(cronSpec); err != nil {
		return fmt.Errorf("invalid --schedule %q: %w", cronSpec, err)
	}
	sched.Start()
	logrus.Infof("daemon loop active on schedule %q", cronSpec)

	if web {
		srv := webstatus.New(root, control)
		return srv.ListenAndServe()
	}

	select {}
}

// statusNode mirrors webstatus's wire shape (spec.md §6:
// "{name, status_type, status_message, children[]}") - this process and the
// daemon process never share memory, so the only way to report the real
// status tree is to fetch it over the HTTP reporter this subcommand queries.
type statusNode struct {
	Name          string       `json:"name"`
	StatusType    string       `json:"status_type"`
	StatusMessage string       `json:"status_message"`
	Children      []statusNode `json:"children"`
}

// appendRows flattens the tree depth-first into table rows, indenting name
// by depth so the hierarchy stays visible in a flat table.
func appendRows(table *tablewriter.Table, n statusNode, depth int) {
	table.Append([]string{strings.Repeat("  ", depth) + n.Name, n.StatusType, n.StatusMessage})
	for _, c := range n.Children {
		appendRows(table, c, depth+1)
	}
}

// newStatusCmd fetches the running daemon's status tree from its HTTP
// reporter's /status_simple endpoint and renders it as a table (spec.md §6).
// It requires the daemon to be running with --web; there is no other
// channel into a separate process's in-memory status tree.
func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status tree reported by a running daemon's HTTP reporter",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/status_simple")
			if err != nil {
				return fmt.Errorf("querying %s: %w (is the daemon running with --web?)", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("querying %s: unexpected status %s", addr, resp.Status)
			}

			var root statusNode
			if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
				return fmt.Errorf("decoding status tree: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Node", "Status", "Message"})
			appendRows(table, root, 0)
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:9999", "base URL of a running daemon's HTTP status reporter")
	return cmd
}
