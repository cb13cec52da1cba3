package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/internal/oauth"
	"pkt.systems/saslink/internal/persist"
	"pkt.systems/saslink/schema"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var profileName string
	var htmlPath string
	var colorMode string
	var save bool
	cmd := &cobra.Command{
		Use:   "run [file.sas]",
		Short: "Submit SAS code and stream its log",
		Long:  "Submit SAS code read from a file, or from stdin when no file (or \"-\") is given, and stream the log to stdout.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, fromStdin, err := readCode(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			printer, err := newLogPrinter(cmd.OutOrStdout(), colorMode)
			if err != nil {
				return err
			}
			printer.keep = save
			opts := envOptions{}
			if !fromStdin {
				opts.authorizer = oauth.PromptAuthorizer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr(), Open: oauth.OpenBrowser}
			}
			env, err := openEnv(cmd.Context(), *cfgPath, opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			session, err := env.host.Session(profileName)
			if err != nil {
				return err
			}
			ctx := logx.ContextWithProfileLogger(cmd.Context(), env.logger, session.Profile())
			started := time.Now()
			result, runErr := runCode(ctx, session, code, printer)
			finished := time.Now()
			logger := pslog.Ctx(ctx)

			if save {
				record := persist.RunRecord{
					Profile:    session.Profile(),
					Transport:  session.Kind(),
					SessionID:  session.ID(),
					StartedAt:  started,
					FinishedAt: finished,
				}
				if runErr != nil {
					record.Error = runErr.Error()
					record.ErrorKind = string(core.KindOf(runErr))
				}
				store, err := persist.NewStoreWithLogger(filepath.Join(env.cfg.StateDir, "runs"), logger)
				if err != nil {
					return errors.Join(runErr, err)
				}
				id, err := store.Save(persist.Run{Record: record, Code: code, Log: printer.lines, Result: result})
				if err != nil {
					return errors.Join(runErr, err)
				}
				logger.Info("run saved", "run", id, "path", filepath.Join(env.cfg.StateDir, "runs", id))
			}
			if htmlPath != "" && result.HTML5 != "" {
				if err := os.WriteFile(htmlPath, []byte(result.HTML5), 0o644); err != nil {
					return errors.Join(runErr, err)
				}
				logger.Info("html result written", "path", htmlPath, "title", result.Title)
			} else if htmlPath != "" && runErr == nil {
				logger.Warn("run produced no html result", "path", htmlPath)
			}
			if runErr != nil {
				return runErr
			}
			logger.Debug("run finished", "duration", finished.Sub(started), "session", session.ID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "connection profile (default: default_profile)")
	cmd.Flags().StringVarP(&htmlPath, "html", "o", "", "write the HTML5 result to this file")
	cmd.Flags().BoolVar(&save, "save", false, "store code, log and result under state_dir/runs")
	cmd.Flags().StringVar(&colorMode, "color", "auto", "colour log lines: auto, always or never")
	return cmd
}

// runCode sets the session up, queues the code, prints the log while it runs
// and returns the outcome.
func runCode(ctx context.Context, session *core.Session, code string, printer *logPrinter) (schema.RunResult, error) {
	if err := session.Setup(ctx); err != nil {
		return schema.RunResult{}, err
	}
	handle, err := session.Run(ctx, code)
	if err != nil {
		return schema.RunResult{}, err
	}
	printErr := printer.drain(ctx, handle.Logs())
	result, err := handle.Wait(ctx)
	if err != nil {
		return result, err
	}
	if printErr != nil {
		return result, fmt.Errorf("print log: %w", printErr)
	}
	return result, nil
}

func readCode(stdin io.Reader, args []string) (string, bool, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", true, fmt.Errorf("read stdin: %w", err)
		}
		return string(data), true, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", false, err
	}
	return string(data), false, nil
}
