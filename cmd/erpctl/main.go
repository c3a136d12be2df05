// Package main provides erpctl, the command line tool for managing the
// ERP connector: tenant API keys, sealed ERP credentials, and service
// accounts.
package main

import (
	"fmt"
	"os"
	"time"

	erpconnector "github.com/b2x-labs/erp-connector"
	"github.com/b2x-labs/erp-connector/internal/apikeys"
	"github.com/b2x-labs/erp-connector/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "erpctl",
		Short:         "Manage the ERP connector's tenant API keys and credentials",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "connector config file (defaults to $ERP_CONNECTOR_CONFIG)")

	root.AddCommand(
		newValidateCmd(),
		newKeyCmd(&configPath),
		newCredsCmd(&configPath),
		newServiceAccountCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// withManager loads the config, opens the key store, runs fn, and closes
// the store again.
func withManager(configPath string, fn func(m *apikeys.Manager) error) error {
	cfg := erpconnector.Config{
		KeyStore: erpconnector.KeyStoreConfig{Type: erpconnector.StoreFile},
	}
	path := configPath
	if path == "" {
		path = os.Getenv("ERP_CONNECTOR_CONFIG")
	}
	if path != "" {
		loaded, err := erpconnector.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	m, closer, err := erpconnector.KeyManagerFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()
	return fn(m)
}

func parseExpiry(expiresIn string) (*time.Time, error) {
	if expiresIn == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(expiresIn)
	if err != nil {
		return nil, fmt.Errorf("invalid --expires-in: %w", err)
	}
	t := time.Now().UTC().Add(d)
	return &t, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a connector configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := erpconnector.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := erpconnector.ValidateConfig(*cfg); err != nil {
				return err
			}
			cmd.Printf("✓ Config is valid\n")
			cmd.Printf("  Driver:    %s\n", cfg.Driver.Name)
			cmd.Printf("  Key store: %s\n", cfg.KeyStore.Type)
			return nil
		},
	}
}

func newKeyCmd(configPath *string) *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage tenant API keys",
	}

	var (
		tenant    string
		name      string
		units     []string
		expiresIn string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new tenant API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expiry, err := parseExpiry(expiresIn)
			if err != nil {
				return err
			}
			return withManager(*configPath, func(m *apikeys.Manager) error {
				apiKey, err := m.GenerateKey(tenant, name, units, expiry)
				if err != nil {
					return err
				}
				cmd.Println(apiKey)
				cmd.PrintErrln("Store this key now; only its hash is persisted.")
				return nil
			})
		},
	}
	generate.Flags().StringVar(&tenant, "tenant", "", "tenant the key belongs to")
	generate.Flags().StringVar(&name, "name", "", "human-readable key name")
	generate.Flags().StringSliceVar(&units, "business-units", nil, "business units the key may access (empty allows all)")
	generate.Flags().StringVar(&expiresIn, "expires-in", "", "lifetime, e.g. 8760h (empty means no expiry)")
	_ = generate.MarkFlagRequired("tenant")
	_ = generate.MarkFlagRequired("name")

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List keys (hashes and sealed credentials redacted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				keys := m.ListKeys(listTenant)
				if len(keys) == 0 {
					cmd.Println("No keys found.")
					return nil
				}
				for _, k := range keys {
					status := "active"
					if !k.IsActive {
						status = "deactivated"
					}
					creds := ""
					if k.ErpUsernameSealed != "" {
						creds = " erp-credentials"
					}
					cmd.Printf("%-24s %-10s tenant=%s name=%q%s\n", k.KeyPrefix, status, k.TenantID, k.Name, creds)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "only show this tenant's keys")

	rotate := &cobra.Command{
		Use:   "rotate <prefix>",
		Short: "Rotate a key: deactivate it and issue a replacement with the same scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				apiKey, err := m.RotateKey(args[0])
				if err != nil {
					return err
				}
				cmd.Println(apiKey)
				return nil
			})
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <prefix>",
		Short: "Deactivate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				return m.DeactivateKey(args[0])
			})
		},
	}

	setAdmin := &cobra.Command{
		Use:   "set-admin",
		Short: "Generate and install the admin key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				apiKey, err := m.SetAdminKey()
				if err != nil {
					return err
				}
				cmd.Println(apiKey)
				cmd.PrintErrln("Store this key now; only its hash is persisted.")
				return nil
			})
		},
	}

	key.AddCommand(generate, list, rotate, deactivate, setAdmin)
	return key
}

func newCredsCmd(configPath *string) *cobra.Command {
	creds := &cobra.Command{
		Use:   "creds",
		Short: "Manage sealed ERP credentials on a key",
	}

	var (
		username string
		password string
		unit     string
	)
	set := &cobra.Command{
		Use:   "set <prefix>",
		Short: "Attach ERP login credentials to a key (sealed at rest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				return m.SetErpCredentials(args[0], username, password, unit)
			})
		},
	}
	set.Flags().StringVar(&username, "username", "", "ERP login user")
	set.Flags().StringVar(&password, "password", "", "ERP login password")
	set.Flags().StringVar(&unit, "business-unit", "", "default business unit for this login")
	_ = set.MarkFlagRequired("username")
	_ = set.MarkFlagRequired("password")

	remove := &cobra.Command{
		Use:   "remove <prefix>",
		Short: "Remove the ERP credentials from a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				return m.RemoveErpCredentials(args[0])
			})
		},
	}

	creds.AddCommand(set, remove)
	return creds
}

func newServiceAccountCmd(configPath *string) *cobra.Command {
	sa := &cobra.Command{
		Use:     "service-account",
		Aliases: []string{"sa"},
		Short:   "Manage ERP service accounts",
	}

	var (
		tenant    string
		name      string
		perms     []string
		expiresIn string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a service account key with scoped permissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expiry, err := parseExpiry(expiresIn)
			if err != nil {
				return err
			}
			parsed, err := parsePermissions(perms)
			if err != nil {
				return err
			}
			return withManager(*configPath, func(m *apikeys.Manager) error {
				apiKey, err := m.CreateErpServiceAccount(tenant, name, parsed, expiry)
				if err != nil {
					return err
				}
				cmd.Println(apiKey)
				return nil
			})
		},
	}
	create.Flags().StringVar(&tenant, "tenant", "", "tenant the account belongs to")
	create.Flags().StringVar(&name, "name", "", "account name")
	create.Flags().StringSliceVar(&perms, "permissions", nil, "granted permissions")
	create.Flags().StringVar(&expiresIn, "expires-in", "", "lifetime, e.g. 8760h")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("name")

	var setPerms []string
	setPermissions := &cobra.Command{
		Use:   "set-permissions <prefix>",
		Short: "Replace a service account's permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			parsed, err := parsePermissions(setPerms)
			if err != nil {
				return err
			}
			return withManager(*configPath, func(m *apikeys.Manager) error {
				return m.UpdateErpServiceAccountPermissions(args[0], parsed)
			})
		},
	}
	setPermissions.Flags().StringSliceVar(&setPerms, "permissions", nil, "granted permissions")

	var listTenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List service accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(*configPath, func(m *apikeys.Manager) error {
				accounts := m.ListErpServiceAccounts(listTenant)
				if len(accounts) == 0 {
					cmd.Println("No service accounts found.")
					return nil
				}
				for _, k := range accounts {
					cmd.Printf("%-28s tenant=%s name=%q permissions=%v\n", k.KeyPrefix, k.TenantID, k.Name, k.ServicePermissions)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&listTenant, "tenant", "", "only show this tenant's accounts")

	sa.AddCommand(create, setPermissions, list)
	return sa
}

func parsePermissions(raw []string) ([]apikeys.Permission, error) {
	perms := make([]apikeys.Permission, 0, len(raw))
	for _, s := range raw {
		p := apikeys.Permission(s)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown permission %q (valid: %v)", s, apikeys.Permissions())
		}
		perms = append(perms, p)
	}
	return perms, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("erpctl %s\n", version.String())
		},
	}
}
