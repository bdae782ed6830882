package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aspect-build/sealvault/internal/client"
	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/refparser"
	"github.com/aspect-build/sealvault/internal/server"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"github.com/aspect-build/sealvault/internal/verify"
	"github.com/aspect-build/sealvault/internal/version"
	"github.com/spf13/cobra"
)

// devCommands is populated by dev.go (build tag "dev") with dev-only subcommands.
var devCommands []*cobra.Command

type globalFlags struct {
	serverURL string
	token     string
	insecure  bool
	envFile   string
	verbose   bool
	logLevel  string
}

// resolveServerURL returns the server URL from the flag or SEALVAULT_SERVER_URL env var.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	if cmd.Flags().Changed("server") {
		return strings.TrimRight(flagValue, "/"), nil
	}
	if v := os.Getenv("SEALVAULT_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/"), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set SEALVAULT_SERVER_URL")
}

func (g *globalFlags) client(cmd *cobra.Command) (*client.Client, error) {
	serverURL, err := resolveServerURL(cmd, g.serverURL)
	if err != nil {
		return nil, err
	}
	token := g.token
	if !cmd.Flags().Changed("token") {
		token = os.Getenv("SEALVAULT_ADMIN_TOKEN")
	}
	return client.New(serverURL, token, g.insecure)
}

func main() {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:          "sealvault",
		Short:        "SealVault - operator client for the signed-document vault",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := server.LoadDotEnv(g.envFile); err != nil {
				return err
			}
			return logx.Configure(g.logLevel, g.verbose)
		},
	}
	rootCmd.SetVersionTemplate(version.String("sealvault") + "\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.serverURL, "server", "", "SealVault server URL (or set SEALVAULT_SERVER_URL)")
	pf.StringVar(&g.token, "token", "", "Admin token for management commands (or set SEALVAULT_ADMIN_TOKEN)")
	pf.BoolVar(&g.insecure, "insecure", false, "Allow plaintext HTTP connection to server")
	pf.StringVar(&g.envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	pf.BoolVar(&g.verbose, "verbose", false, "Enable verbose debug logs")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (or SEALVAULT_LOG_LEVEL)")

	rootCmd.AddCommand(
		newHashCmd(),
		newVerifyHashCmd(g),
		newVerifyFileCmd(g),
		newDocumentsCmd(g),
		newDocumentCmd(g),
		newIntegrityCmd(g),
		newRetryCmd(g),
		newConnectCmd(g),
		newConnectionsCmd(g),
		newDisconnectCmd(g),
	)
	for _, cmd := range devCommands {
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file|->",
		Short: "Print the SHA-256 content hash of a local file",
		Long: `Compute the content hash SealVault registers for a document. Use "-"
to read from stdin. Works offline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), storage.Hash(data))
			return nil
		},
	}
}

func newVerifyHashCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-hash <sha256>",
		Short: "Check whether a registered document carries a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := verify.NormalizeHash(args[0])
			if err != nil {
				return err
			}
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			v, err := c.VerifyHash(ctx, hash)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid=%v\n", v.Valid)
			if !v.Valid {
				fmt.Fprintf(out, "reason=%s\n", v.Reason)
				return fmt.Errorf("hash not verified")
			}
			fmt.Fprintf(out, "document_id=%s\n", v.DocumentID)
			fmt.Fprintf(out, "provider=%s\n", v.Provider)
			if v.CreatedAt != nil {
				fmt.Fprintf(out, "registered_at=%s\n", v.CreatedAt.Format(time.RFC3339))
			}
			if v.TxID != "" {
				fmt.Fprintf(out, "txid=%s\n", v.TxID)
			}
			return nil
		},
	}
}

func newVerifyFileCmd(g *globalFlags) *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "verify-file <file>",
		Short: "Upload a file and check it against the vault",
		Long: `Upload a local copy and let the server hash it. Without --document the
hash is matched against every registered document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			v, err := c.VerifyFile(ctx, args[0], documentID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid=%v\n", v.Valid)
			fmt.Fprintf(out, "computed_hash=%s\n", v.ComputedHash)
			if v.StoredHash != "" {
				fmt.Fprintf(out, "stored_hash=%s\n", v.StoredHash)
			}
			if v.DocumentID != "" {
				fmt.Fprintf(out, "document_id=%s\n", v.DocumentID)
			}
			if !v.Valid {
				if v.Reason != "" {
					fmt.Fprintf(out, "reason=%s\n", v.Reason)
				}
				return fmt.Errorf("file not verified")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Compare against this document id only")
	return cmd
}

func newDocumentsCmd(g *globalFlags) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List vaulted documents",
		Example: `  sealvault documents --status failed
  sealvault documents --status registered --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			docs, err := c.ListDocuments(ctx, status, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tEXTERNAL ID\tSTATUS\tATTEMPTS\tUPDATED\tREASON")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Provider, d.ExternalDocumentID,
					d.Status, d.Attempts, d.UpdatedAt.Format(time.RFC3339), d.FailureReason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending|downloading|uploaded|registered|failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of documents (server default 100)")
	return cmd
}

func newDocumentCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "document <id|sealvault://provider/external-id>",
		Short: "Show one vaulted document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			d, err := lookupDocument(ctx, c, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id=%s\n", d.ID)
			fmt.Fprintf(out, "ref=%s\n", refparser.Format(d.Provider, d.ExternalDocumentID))
			fmt.Fprintf(out, "provider=%s\n", d.Provider)
			fmt.Fprintf(out, "external_document_id=%s\n", d.ExternalDocumentID)
			fmt.Fprintf(out, "status=%s\n", d.Status)
			fmt.Fprintf(out, "attempts=%d\n", d.Attempts)
			fmt.Fprintf(out, "storage_path=%s\n", d.StoragePath)
			if d.ContentHash != "" {
				fmt.Fprintf(out, "content_hash=%s\n", d.ContentHash)
			}
			if d.RegisteredAt != nil {
				fmt.Fprintf(out, "registered_at=%s\n", d.RegisteredAt.Format(time.RFC3339))
			}
			if d.FailureReason != "" {
				fmt.Fprintf(out, "failure_reason=%s\n", d.FailureReason)
			}
			return nil
		},
	}
}

func newIntegrityCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity <id>",
		Short: "Re-hash a stored document on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			r, err := c.CheckIntegrity(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid=%v\n", r.Valid)
			fmt.Fprintf(out, "stored_hash=%s\n", r.StoredHash)
			fmt.Fprintf(out, "computed_hash=%s\n", r.ComputedHash)
			if !r.Valid {
				fmt.Fprintf(out, "reason=%s\n", r.Reason)
				return fmt.Errorf("integrity check failed")
			}
			return nil
		},
	}
}

func newRetryCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-queue failed documents for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			var failed int
			for _, id := range args {
				r, err := c.RetryDocument(ctx, id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s status=%s queued=%v\n", r.ID, r.Status, r.Queued)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d retries failed", failed, len(args))
			}
			return nil
		},
	}
}

func newConnectCmd(g *globalFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "connect <docusign|signnow|pandadoc>",
		Short: "Start an OAuth connection and print the authorization URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := c.Authorize(ctx, args[0], userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Open this URL to authorize (valid for 10 minutes):")
			fmt.Fprintln(cmd.OutOrStdout(), a.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id that will own the connection")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newConnectionsCmd(g *globalFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List platform connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			conns, err := c.ListConnections(ctx, userID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tUSER\tACCOUNT\tEMAIL\tEXPIRES")
			for _, conn := range conns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", conn.ID, conn.Provider, conn.UserID,
					conn.ExternalAccountID, conn.Email, conn.ExpiresAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Only connections of this user")
	return cmd
}

func newDisconnectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <connection-id>",
		Short: "Delete a platform connection and its stored tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := c.DeleteConnection(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// lookupDocument accepts a vault id or a sealvault:// reference.
func lookupDocument(ctx context.Context, c *client.Client, arg string) (*db.VaultedDocument, error) {
	if !refparser.IsRef(arg) {
		return c.GetDocument(ctx, arg)
	}
	ref, err := refparser.Parse(arg)
	if err != nil {
		return nil, err
	}
	d, err := c.FindDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("no document for %s", ref.Raw)
	}
	return d, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}
