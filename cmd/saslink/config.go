package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/saslink/internal/appconfig"
	"pkt.systems/saslink/internal/persist"
	"pkt.systems/saslink/schema"
)

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file commands",
	}
	cmd.AddCommand(newConfigInitCmd(cfgPath))
	return cmd
}

func newConfigInitCmd(cfgPath *string) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with example profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(*cfgPath, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config wrote", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}

func newProfilesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tCONNECTION\tTARGET\tHTML\tDEFAULT")
			for _, name := range cfg.ProfileNames() {
				profile := cfg.Profiles[name]
				def := ""
				if name == cfg.DefaultProfile {
					def = "*"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", name, profile.Connection, profileTarget(profile), profile.HTMLEnabled(), def)
			}
			return tw.Flush()
		},
	}
}

func profileTarget(profile schema.Profile) string {
	switch profile.Connection {
	case schema.TransportREST:
		if profile.REST.ServerID != "" {
			return profile.REST.Endpoint + " (server " + profile.REST.ServerID + ")"
		}
		return profile.REST.Endpoint + " (" + profile.REST.Context + ")"
	case schema.TransportSSH:
		return fmt.Sprintf("%s@%s:%d", profile.SSH.User, profile.SSH.Host, profile.SSH.Port)
	case schema.TransportBatch:
		return profile.Batch.Executable
	case schema.TransportGRPC:
		return profile.GRPC.Address
	default:
		return ""
	}
}

func newRunsCmd(cfgPath *string) *cobra.Command {
	var colorMode string
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List runs stored with run --save, or print one run's log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "runs"), pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return showRun(cmd, store, args[0], colorMode)
			}
			records, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tPROFILE\tTRANSPORT\tSTARTED\tLINES\tRESULT")
			for _, record := range records {
				result := "ok"
				if record.ErrorKind != "" {
					result = record.ErrorKind
				} else if record.HasHTML {
					result = "html"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", record.ID, record.Profile, record.Transport,
					record.StartedAt.Local().Format(time.DateTime), record.Lines, result)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&colorMode, "color", "auto", "colour log lines: auto, always or never")
	return cmd
}

func showRun(cmd *cobra.Command, store *persist.Store, id, colorMode string) error {
	run, ok, err := store.Load(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %q not found", id)
	}
	printer, err := newLogPrinter(cmd.OutOrStdout(), colorMode)
	if err != nil {
		return err
	}
	if err := printer.print(run.Log); err != nil {
		return err
	}
	logger := pslog.Ctx(cmd.Context()).With("run", run.Record.ID, "profile", run.Record.Profile)
	if run.Record.HasHTML {
		logger.Info("run html result", "path", store.HTMLPath(run.Record.ID), "title", run.Record.Title)
	}
	if run.Record.Error != "" {
		logger.Warn("run failed", "err", run.Record.Error, "kind", run.Record.ErrorKind)
	}
	return nil
}
