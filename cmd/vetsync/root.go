package main

import (
	"github.com/spf13/cobra"

	"github.com/vetpulse/vetsync/internal/app"
	"github.com/vetpulse/vetsync/internal/config"
	"github.com/vetpulse/vetsync/internal/tenant"
)

type globalFlags struct {
	configPath string
	dataDir    string
	apiURL     string
	tenantID   string
	practiceID string
	userID     string
	offline    bool
	format     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "vetsync",
		Short:         "vetsync - offline sync queue for veterinary practice data",
		Long:          "vetsync inspects and drains the local sync queue and works through sync conflicts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&g.dataDir, "data-dir", "", "Override the data directory")
	pf.StringVar(&g.apiURL, "api-url", "", "Override the host API base URL")
	pf.StringVar(&g.tenantID, "tenant", "", "Tenant to act as")
	pf.StringVar(&g.practiceID, "practice", "", "Practice within the tenant")
	pf.StringVar(&g.userID, "user", "", "User recorded on local writes")
	pf.BoolVar(&g.offline, "offline", false, "Do not contact the host API")
	pf.StringVar(&g.format, "format", "table", "Output format: table or json")

	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newSyncCmd(g))
	cmd.AddCommand(newOpsCmd(g))
	cmd.AddCommand(newRetryFailedCmd(g))
	cmd.AddCommand(newClearCompletedCmd(g))
	cmd.AddCommand(newRefreshCmd(g))
	cmd.AddCommand(newConflictsCmd(g))
	cmd.AddCommand(newResolveCmd(g))
	cmd.AddCommand(newMappingsCmd(g))
	cmd.AddCommand(newWipeCmd(g))
	return cmd
}

// open loads configuration, applies flag overrides and assembles the app.
// The returned scope is the active tenant; commands that need one fail with
// a tenant-context error when none is configured.
func (g *globalFlags) open() (*app.App, tenant.Scope, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, tenant.Scope{}, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.apiURL != "" {
		cfg.API.BaseURL = g.apiURL
	}
	if g.tenantID != "" {
		cfg.Session = tenant.Scope{TenantID: g.tenantID, PracticeID: g.practiceID, UserID: g.userID}
	}
	app.InitLogging(cfg)

	a, err := app.New(cfg, app.Options{Online: !g.offline})
	if err != nil {
		return nil, tenant.Scope{}, err
	}
	scope, err := a.Session.Scope()
	if err != nil {
		a.Close()
		return nil, tenant.Scope{}, err
	}
	return a, scope, nil
}
