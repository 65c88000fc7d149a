package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veritaslegal/veritas/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "veritas",
	Short: "Veritas compliance ledger CLI",
	Long: `veritas is the command-line interface for the Veritas compliance ledger.

It appends blocks, inspects chains, runs independent verification, and
manages legal holds and retention sweeps against a ledgerd instance.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.veritas")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.veritas/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for admin operations")

	rootCmd.AddCommand(chainsCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(haltsCmd)
	rootCmd.AddCommand(releaseHaltCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(serverURL, opts...)
}

// ── chains ───────────────────────────────────────────────────────────────────

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List every ledger chain with at least one block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		keys, err := c.ListChains(ctx)
		if err != nil {
			return fmt.Errorf("list chains: %w", err)
		}
		if len(keys) == 0 {
			fmt.Println("no chains")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tKIND\tBLOCKS\tTIP")
		for _, key := range keys {
			ov, err := c.Overview(ctx, key.TenantID, key.Kind)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\t?\t(%v)\n", key.TenantID, key.Kind, err)
				continue
			}
			tip := ov.Tip
			if len(tip) > 16 {
				tip = tip[:16] + "…"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", key.TenantID, key.Kind, ov.Blocks, tip)
		}
		return w.Flush()
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendCategory string
	appendPayload  string
	appendEncrypt  []string
)

var appendCmd = &cobra.Command{
	Use:   "append <tenant> <kind>",
	Short: "Append one block to a chain",
	Long: `Append commits a new block on the given tenant's chain.

The payload is a JSON object, read from --payload or stdin:

  veritas append acme-llp compliance --payload '{"event":"client.intake","matter":"M-1042"}'
  cat event.json | veritas append acme-llp compliance`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := appendPayload
		if raw == "" {
			data, err := readStdin()
			if err != nil {
				return err
			}
			raw = data
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		block, err := c.Append(context.Background(), args[0], args[1], client.AppendRequest{
			Category:      appendCategory,
			Payload:       payload,
			EncryptFields: appendEncrypt,
		})
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}

		fmt.Printf("✓ Block committed\n\n")
		fmt.Printf("  ID:     %s\n", block.ID)
		fmt.Printf("  Chain:  %s/%s\n", block.ChainKey.TenantID, block.ChainKey.Kind)
		fmt.Printf("  Height: %d\n", block.Height)
		fmt.Printf("  Hash:   %s\n", block.ContentHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendCategory, "category", "routine", "Record category: foundational, routine, high-value, security, administrative")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON payload object (reads stdin when omitted)")
	appendCmd.Flags().StringSliceVar(&appendEncrypt, "encrypt", nil, "Payload fields to envelope-encrypt before committing")
}

func readStdin() (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("no payload: pass --payload or pipe JSON on stdin")
	}
	return sb.String(), nil
}

// ── block ────────────────────────────────────────────────────────────────────

var blockFormat string

var blockCmd = &cobra.Command{
	Use:   "block <uuid>",
	Short: "Show one block by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		block, err := c.GetBlock(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get block: %w", err)
		}

		if blockFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(block)
		}

		fmt.Printf("ID:          %s\n", block.ID)
		fmt.Printf("Chain:       %s/%s\n", block.ChainKey.TenantID, block.ChainKey.Kind)
		fmt.Printf("Height:      %d\n", block.Height)
		fmt.Printf("Category:    %s\n", block.Category)
		fmt.Printf("Created:     %s\n", block.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Expires:     %s\n", block.RetentionExpiry.Format(time.RFC3339))
		fmt.Printf("Prev hash:   %s\n", block.PrevHash)
		fmt.Printf("Hash:        %s\n", block.ContentHash)
		if block.LegalHold.Active {
			fmt.Printf("Legal hold:  ACTIVE (placed by %s: %s)\n", block.LegalHold.PlacedBy, block.LegalHold.Reason)
		}
		fmt.Printf("Payload:     %s\n", string(block.Payload))
		return nil
	},
}

func init() {
	blockCmd.Flags().StringVar(&blockFormat, "format", "text", "Output format: text or json")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom   int64
	verifyTo     int64
	verifyFormat string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <tenant> <kind>",
	Short: "Independently verify a chain's hashes, links, and signatures",
	Long: `Verify replays the chain server-side, recomputing every content hash,
predecessor link, and detached signature from stored data.

Omitting --from/--to verifies the whole chain:

  veritas verify acme-llp compliance
  veritas verify acme-llp security --from 100 --to 250`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var from, to *uint64
		if verifyFrom >= 0 {
			f := uint64(verifyFrom)
			from = &f
		}
		if verifyTo >= 0 {
			t := uint64(verifyTo)
			to = &t
		}

		report, err := c.Verify(context.Background(), args[0], args[1], from, to)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if verifyFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		if report.ValidChain {
			fmt.Printf("✓ Chain %s/%s verified: heights %d–%d intact\n",
				args[0], args[1], report.From, report.To)
			return nil
		}

		fmt.Printf("✗ Chain %s/%s BROKEN (first break at height %d)\n\n",
			args[0], args[1], *report.FirstBreak)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HEIGHT\tSTATUS\tREASON")
		for _, r := range report.Results {
			if r.Valid {
				continue
			}
			fmt.Fprintf(w, "%d\tbroken\t%s\n", r.Height, r.Reason)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return fmt.Errorf("chain integrity check failed")
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", -1, "First height to verify (default 0)")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", -1, "Last height to verify (default chain head)")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
}

// ── hold / release ───────────────────────────────────────────────────────────

var (
	holdBy      string
	holdReason  string
	holdRelease string
)

var holdCmd = &cobra.Command{
	Use:   "hold <block-uuid>",
	Short: "Place a legal hold on a block (requires compliance:admin token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var until time.Time
		if holdRelease != "" {
			t, err := time.Parse(time.RFC3339, holdRelease)
			if err != nil {
				return fmt.Errorf("--until must be RFC 3339 (e.g. 2027-01-15T00:00:00Z): %w", err)
			}
			until = t
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		block, err := c.PlaceHold(context.Background(), args[0], holdBy, holdReason, until)
		if err != nil {
			return fmt.Errorf("place hold: %w", err)
		}

		fmt.Printf("✓ Legal hold placed on %s\n", block.ID)
		fmt.Printf("  Retention expiry now: %s\n", block.RetentionExpiry.Format(time.RFC3339))
		return nil
	},
}

func init() {
	holdCmd.Flags().StringVar(&holdBy, "by", "", "Compliance officer placing the hold")
	holdCmd.Flags().StringVar(&holdReason, "reason", "", "Hold reason (litigation matter, audit reference)")
	holdCmd.Flags().StringVar(&holdRelease, "until", "", "Expected release date, RFC 3339")
	_ = holdCmd.MarkFlagRequired("by")
	_ = holdCmd.MarkFlagRequired("reason")
}

var (
	releaseBy     string
	releaseReason string
)

var releaseCmd = &cobra.Command{
	Use:   "release <block-uuid>",
	Short: "Release an active legal hold (requires compliance:admin token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		block, err := c.ReleaseHold(context.Background(), args[0], releaseBy, releaseReason)
		if err != nil {
			return fmt.Errorf("release hold: %w", err)
		}

		fmt.Printf("✓ Legal hold released on %s\n", block.ID)
		fmt.Printf("  Retention expiry remains: %s\n", block.RetentionExpiry.Format(time.RFC3339))
		return nil
	},
}

func init() {
	releaseCmd.Flags().StringVar(&releaseBy, "by", "", "Compliance officer releasing the hold")
	releaseCmd.Flags().StringVar(&releaseReason, "reason", "", "Release reason")
	_ = releaseCmd.MarkFlagRequired("by")
}

// ── sweep ────────────────────────────────────────────────────────────────────

var sweepAsOf string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a retention sweep (requires compliance:admin token)",
	Long: `Sweep deletes blocks whose retention expiry has passed. Blocks under an
active legal hold are skipped; a chain with an integrity break is halted
and left untouched for manual review.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var asOf time.Time
		if sweepAsOf != "" {
			t, err := time.Parse(time.RFC3339, sweepAsOf)
			if err != nil {
				return fmt.Errorf("--as-of must be RFC 3339: %w", err)
			}
			asOf = t
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		report, err := c.Sweep(context.Background(), asOf)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		fmt.Printf("Sweep as of %s\n", report.AsOf.Format(time.RFC3339))
		fmt.Printf("  Deleted: %d\n", len(report.Deleted))
		fmt.Printf("  Skipped: %d\n", len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Printf("    %s/%s height %d — %s (%s)\n",
				s.ChainKey.TenantID, s.ChainKey.Kind, s.Height, s.Reason, s.BlockID)
		}
		for chain, reason := range report.Halted {
			fmt.Printf("  HALTED: %s — %s (manual review required)\n", chain, reason)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepAsOf, "as-of", "", "Sweep reference time, RFC 3339 (default server now)")
}

// ── halts ────────────────────────────────────────────────────────────────────

var haltsCmd = &cobra.Command{
	Use:   "halts",
	Short: "List chains halted by the retention sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		halted, err := c.Halts(context.Background())
		if err != nil {
			return fmt.Errorf("list halts: %w", err)
		}
		if len(halted) == 0 {
			fmt.Println("no halted chains")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHAIN\tREASON")
		for chain, reason := range halted {
			fmt.Fprintf(w, "%s\t%s\n", chain, reason)
		}
		return w.Flush()
	},
}

var releaseHaltCmd = &cobra.Command{
	Use:   "release-halt <tenant> <kind>",
	Short: "Release a sweep halt after manual review (requires compliance:admin token)",
	Long: `Release-halt lets retention sweeps resume on a chain that was halted for
an integrity break. The next sweep re-verifies the chain, so releasing an
unrepaired chain simply halts it again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.ReleaseHalt(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("release halt: %w", err)
		}
		fmt.Printf("✓ Halt released on %s/%s — next sweep re-verifies the chain\n", args[0], args[1])
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the veritas CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("veritas %s\n", version)
	},
}
