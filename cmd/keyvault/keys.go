package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/envelope"
	"github.com/jkaninda/keyvault/internal/vault"
)

var (
	keyValue     string
	keyName      string
	keyProvider  string
	keyDesc      string
	keyExpiresAt string
	jsonOutput   bool
	newSecretRef string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored API keys",
}

var keysAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Validate and store a key (read from stdin unless --key is set)",
	Args:  cobra.NoArgs,
	RunE: withVault(true, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, _ []string) error {
		key, err := readSecret(keyValue, cmd.InOrStdin())
		if err != nil {
			return err
		}
		req := vault.CreateRequest{
			Name:        keyName,
			Provider:    domain.ParseProvider(keyProvider),
			KeyValue:    key,
			Description: keyDesc,
		}
		if keyExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, keyExpiresAt)
			if err != nil {
				return fmt.Errorf("--expires-at must be RFC 3339: %w", err)
			}
			req.ExpiresAt = &t
		}
		c, err := sc.Vault.Create(ctx, resolveOwner(), req)
		if err != nil {
			return err
		}
		return printCredentials(cmd.OutOrStdout(), *c)
	}),
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	Args:  cobra.NoArgs,
	RunE: withVault(false, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, _ []string) error {
		list, err := sc.Vault.List(ctx, resolveOwner())
		if err != nil {
			return err
		}
		return printCredentials(cmd.OutOrStdout(), list...)
	}),
}

var keysGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a stored key's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(false, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := sc.Vault.Get(ctx, id, resolveOwner())
		if err != nil {
			return err
		}
		return printCredentials(cmd.OutOrStdout(), *c)
	}),
}

var keysExportCmd = &cobra.Command{
	Use:   "export <provider>",
	Short: "Print the newest unexpired key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(true, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		key, ok, err := sc.Vault.GetDecryptedForProvider(ctx, resolveOwner(), domain.ParseProvider(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no usable key stored for %s", args[0])
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
		return err
	}),
}

var keysValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a key against its provider without storing it",
	Args:  cobra.NoArgs,
	RunE: withVault(false, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, _ []string) error {
		key, err := readSecret(keyValue, cmd.InOrStdin())
		if err != nil {
			return err
		}
		res := sc.Vault.Validate(ctx, domain.ParseProvider(keyProvider), key)
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		return res.Err()
	}),
}

var keysRevalidateCmd = &cobra.Command{
	Use:   "revalidate <id>",
	Short: "Re-check a stored key against its provider",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(true, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		res, err := sc.Vault.Revalidate(ctx, id, resolveOwner())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <id>",
	Short: "Replace a stored key's value (read from stdin unless --key is set)",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(true, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		key, err := readSecret(keyValue, cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := sc.Vault.Rotate(ctx, id, resolveOwner(), key)
		if err != nil {
			return err
		}
		return printCredentials(cmd.OutOrStdout(), *c)
	}),
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored key",
	Args:  cobra.ExactArgs(1),
	RunE: withVault(false, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		deleted, err := sc.Vault.Delete(ctx, id, resolveOwner())
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFound
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		return err
	}),
}

var keysRewrapCmd = &cobra.Command{
	Use:   "rewrap",
	Short: "Re-encrypt every stored key's data key under a new master secret",
	Long: `Resolves the new master secret from --new-secret-ref (env://, file:// or vault://),
re-wraps every data key in one transaction, then prints the count. Point
vault.master_secret_ref at the new secret before the next start.`,
	Args: cobra.NoArgs,
	RunE: withVault(true, func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, _ []string) error {
		if newSecretRef == "" {
			return fmt.Errorf("--new-secret-ref is required")
		}
		secret, err := sc.Secrets.Resolve(ctx, newSecretRef)
		if err != nil {
			return fmt.Errorf("resolving new master secret: %w", err)
		}
		next, err := envelope.New(secret.Value)
		if err != nil {
			return err
		}
		n, err := sc.Vault.RewrapAll(ctx, next)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "re-wrapped %d keys\n", n)
		return err
	}),
}

func init() {
	for _, c := range []*cobra.Command{keysAddCmd, keysValidateCmd, keysRotateCmd} {
		c.Flags().StringVar(&keyValue, "key", "", "key value (default: read from stdin)")
	}
	for _, c := range []*cobra.Command{keysAddCmd, keysValidateCmd} {
		c.Flags().StringVar(&keyProvider, "provider", "", "provider, e.g. openai, anthropic, github")
		_ = c.MarkFlagRequired("provider")
	}
	keysAddCmd.Flags().StringVar(&keyName, "name", "", "display name")
	keysAddCmd.Flags().StringVar(&keyDesc, "description", "", "free-form description")
	keysAddCmd.Flags().StringVar(&keyExpiresAt, "expires-at", "", "expiry time (RFC 3339)")
	_ = keysAddCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{keysAddCmd, keysListCmd, keysGetCmd, keysRotateCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}
	keysRewrapCmd.Flags().StringVar(&newSecretRef, "new-secret-ref", "", "reference to the new master secret")

	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysGetCmd, keysExportCmd, keysValidateCmd,
		keysRevalidateCmd, keysRotateCmd, keysDeleteCmd, keysRewrapCmd)
}

type vaultRunFunc func(ctx context.Context, cmd *cobra.Command, sc *SharedComponents, args []string) error

// withVault wraps a key command with config loading, wiring and cleanup.
func withVault(needEngine bool, fn vaultRunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := newLogger(slog.LevelWarn)
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		sc, err := initShared(ctx, cfg, logger, needEngine)
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		return fn(ctx, cmd, sc, args)
	}
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid key id %q: %w", s, domain.ErrInvalidRequest)
	}
	return id, nil
}

// credentialView is the CLI rendering of a credential. It never carries ciphertext.
type credentialView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Provider        string     `json:"provider"`
	KeyHint         string     `json:"key_hint"`
	Description     string     `json:"description,omitempty"`
	IsValid         bool       `json:"is_valid"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	UsageCount      int64      `json:"usage_count"`
}

func newCredentialView(c domain.Credential) credentialView {
	return credentialView{
		ID:              c.ID.String(),
		Name:            c.Name,
		Provider:        c.Provider.String(),
		KeyHint:         c.KeyHint,
		Description:     c.Description,
		IsValid:         c.IsValid,
		CreatedAt:       c.CreatedAt,
		ExpiresAt:       c.ExpiresAt,
		LastUsedAt:      c.LastUsedAt,
		LastValidatedAt: c.LastValidatedAt,
		UsageCount:      c.UsageCount,
	}
}

func printCredentials(w io.Writer, creds ...domain.Credential) error {
	views := make([]credentialView, len(creds))
	for i, c := range creds {
		views[i] = newCredentialView(c)
	}
	if jsonOutput {
		if len(views) == 1 {
			return printJSON(w, views[0])
		}
		return printJSON(w, views)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tKEY\tVALID\tEXPIRES\tUSES")
	for _, v := range views {
		expires := "-"
		if v.ExpiresAt != nil {
			expires = v.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%d\n",
			v.ID, v.Name, v.Provider, v.KeyHint, v.IsValid, expires, v.UsageCount)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
