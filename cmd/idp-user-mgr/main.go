package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"keepersecurity.com/idp-user-mgr/idp"
)

const (
	exitFailures = 1
	exitConfig   = 2
)

var errSyncFailures = errors.New("some users could not be reconciled")

func main() {
	var cmd = newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		var configError *idp.ConfigError
		if errors.As(err, &configError) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailures)
	}
}

func newRootCommand() *cobra.Command {
	var appConfigPath string
	var usersConfigPath string
	var dryRun bool
	var debug bool

	var cmd = &cobra.Command{
		Use:   "idp-user-mgr",
		Short: "Reconcile a declared user roster against an Authentik instance",
		Long: "idp-user-mgr compares the users declared in configuration with the " +
			"accounts of an Authentik instance. Users without an account receive a " +
			"single-use invitation link by mail; stale invitations are cleaned up " +
			"and group membership drift is reported.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
			return runSync(cmd, appConfigPath, usersConfigPath, dryRun)
		},
	}
	cmd.Flags().StringVar(&appConfigPath, "app-config", "app.yaml", "path to the app config file")
	cmd.Flags().StringVar(&usersConfigPath, "user-config", "users.yaml", "path to the users config file or directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and report all decisions without mutating anything")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runSync(cmd *cobra.Command, appConfigPath string, usersConfigPath string, dryRun bool) error {
	var ctx = cmd.Context()

	var cfg, err = idp.ReadAppConfig(appConfigPath)
	if err != nil {
		log.Error(err)
		return err
	}

	var source idp.IUserSource
	switch cfg.UsersSource {
	case idp.UsersSourceGoogle:
		var credentials []byte
		if credentials, err = os.ReadFile(cfg.Google.CredentialsFile); err != nil {
			err = fmt.Errorf("cannot read google credentials: %w", err)
			log.Error(err)
			return err
		}
		source = idp.NewGoogleUserSource(credentials, cfg.Google.Subject, cfg.Google.Groups)
	default:
		source = idp.NewFileUserSource(usersConfigPath)
	}

	var users []*idp.UserRecord
	if users, err = source.Users(ctx); err != nil {
		log.Error(err)
		return err
	}

	var directory idp.IDirectory
	if directory, err = idp.NewAuthentikDirectory(ctx,
		cfg.AuthentikURL,
		cfg.AuthentikToken,
		cfg.InvitationFlowSlug,
		time.Duration(cfg.InvitationExpiryDays)*24*time.Hour); err != nil {
		log.Error(err)
		return err
	}

	var notifier idp.INotifier
	if cfg.Smtp != nil {
		notifier = idp.NewSmtpNotifier(cfg.Smtp, cfg.AuthentikTitle)
	}

	var userSync = idp.NewUserSync(directory, notifier, users, dryRun)
	var stat *idp.SyncStat
	if stat, err = userSync.Sync(ctx); err != nil {
		log.Error(err)
		return err
	}
	idp.WriteReport(cmd.OutOrStdout(), stat)
	if stat.HasFailures() {
		return errSyncFailures
	}
	return nil
}
