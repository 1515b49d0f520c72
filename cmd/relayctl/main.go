package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/keyrelay/internal/crypto"
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "keyrelay CLI",
	Long:  "A CLI for registering delegated keys, managing policies and relaying actions through keyrelay.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(actionsCmd())
}

// call opens a client and prints the response of fn.
func call(fn func(c *Client) (map[string]any, error)) error {
	client, err := newClient()
	if err != nil {
		printError(err.Error())
		return nil
	}
	result, err := fn(client)
	if err != nil {
		printError(err.Error())
		return nil
	}
	printResult(result)
	return nil
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Persist the server address and key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("key-file"); v != "" {
				cfg.KeyFile = v
			}
			if v, _ := cmd.Flags().GetString("ca-cert"); v != "" {
				cfg.TLSCACert = v
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Saved " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address")
	cmd.Flags().String("key-file", "", "Path of the sealed signing key")
	cmd.Flags().String("ca-cert", "", "CA certificate for TLS")
	return cmd
}

// --- keygen ---

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key sealed under a passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = keyFilePath()
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}

			pass := readPassphrase("New passphrase: ")
			if len(pass) == 0 {
				return fmt.Errorf("passphrase must not be empty")
			}
			k, priv, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			kf, err := crypto.SealKey(priv, pass)
			if err != nil {
				return err
			}
			if err := crypto.WriteKeyFile(out, kf); err != nil {
				return err
			}
			printResult(map[string]any{"identity": k.String(), "key_file": out})
			return nil
		},
	}
	cmd.Flags().String("out", "", "Output path (default: configured key file)")
	cmd.Flags().Bool("force", false, "Overwrite an existing key file")

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity of the configured key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			kf, err := crypto.ReadKeyFile(keyFilePath())
			if err != nil {
				return err
			}
			printResult(map[string]any{"identity": kf.Identity, "key_file": keyFilePath()})
			return nil
		},
	}
	cmd.AddCommand(whoami)
	return cmd
}

// --- mapping ---

func mappingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mapping", Short: "Manage temporary key mappings"}

	registerCmd := &cobra.Command{
		Use:   "register <user_id> <temp_key> <backup_key>",
		Short: "Register a temporary key for a user (admin)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"user_id": args[0], "temp_key": args[1], "backup_key": args[2]}
			if at, _ := cmd.Flags().GetString("expires-at"); at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--expires-at must be RFC 3339: %w", err)
				}
				body["expires_at"] = t
			} else {
				ttl, _ := cmd.Flags().GetDuration("ttl")
				body["ttl_seconds"] = int64(ttl / time.Second)
			}
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/mappings", body)
			})
		},
	}
	registerCmd.Flags().Duration("ttl", 24*time.Hour, "Lifetime of the temporary key")
	registerCmd.Flags().String("expires-at", "", "Absolute expiry (RFC 3339), overrides --ttl")

	getCmd := &cobra.Command{
		Use:   "get <temp_key>",
		Short: "Read a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/mappings/" + args[0])
			})
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <temp_key>",
		Short: "Revoke a mapping (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/mappings/"+args[0]+"/revoke", nil)
			})
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-backup <temp_key> <new_backup_key>",
		Short: "Replace the backup key (signed by the current backup key)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/mappings/"+args[0]+"/rotate-backup", map[string]any{"new_backup_key": args[1]})
			})
		},
	}

	cmd.AddCommand(registerCmd, getCmd, revokeCmd, rotateCmd)
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage fee and security policies"}

	fee := &cobra.Command{Use: "fee", Short: "Global fee policy"}
	feeSet := &cobra.Command{
		Use:   "set",
		Short: "Write the fee policy (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, _ := cmd.Flags().GetString("collector")
			native, _ := cmd.Flags().GetUint16("native-bps")
			asset, _ := cmd.Flags().GetUint16("asset-bps")
			minFee, _ := cmd.Flags().GetUint64("min-fee")
			return call(func(c *Client) (map[string]any, error) {
				return c.put("/v1/policy/fee", map[string]any{
					"fee_collector":  collector,
					"native_fee_bps": native,
					"asset_fee_bps":  asset,
					"min_fee_amount": minFee,
				})
			})
		},
	}
	feeSet.Flags().String("collector", "", "Fee collector key")
	feeSet.Flags().Uint16("native-bps", 0, "Fee on the native asset, in basis points")
	feeSet.Flags().Uint16("asset-bps", 0, "Default fee on other assets, in basis points")
	feeSet.Flags().Uint64("min-fee", 0, "Fee floor")
	_ = feeSet.MarkFlagRequired("collector")
	feeGet := &cobra.Command{
		Use:   "get",
		Short: "Read the fee policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) { return c.get("/v1/policy/fee") })
		},
	}
	fee.AddCommand(feeSet, feeGet)

	asset := &cobra.Command{Use: "asset", Short: "Per-asset fee overrides"}
	assetSet := &cobra.Command{
		Use:   "set <asset_id> <fee_bps>",
		Short: "Write an asset fee override (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bps, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid fee_bps: %w", err)
			}
			return call(func(c *Client) (map[string]any, error) {
				return c.put("/v1/policy/assets/"+url.PathEscape(args[0]), map[string]any{"fee_bps": bps})
			})
		},
	}
	assetGet := &cobra.Command{
		Use:   "get <asset_id>",
		Short: "Read an asset fee override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/policy/assets/" + url.PathEscape(args[0]))
			})
		},
	}
	asset.AddCommand(assetSet, assetGet)

	security := &cobra.Command{Use: "security", Short: "Per-user security policy"}
	securitySet := &cobra.Command{
		Use:   "set <user_id>",
		Short: "Write a user's security policy (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maxTx, _ := cmd.Flags().GetUint32("max-tx")
			perTx, _ := cmd.Flags().GetUint64("max-amount-per-tx")
			perDay, _ := cmd.Flags().GetUint64("max-amount-per-day")
			allow, _ := cmd.Flags().GetUintSlice("allow")
			return call(func(c *Client) (map[string]any, error) {
				return c.put("/v1/policy/security/"+url.PathEscape(args[0]), map[string]any{
					"max_tx_per_day":       maxTx,
					"max_amount_per_tx":    perTx,
					"max_amount_per_day":   perDay,
					"allowed_function_ids": allow,
				})
			})
		},
	}
	securitySet.Flags().Uint32("max-tx", 0, "Actions allowed per UTC day")
	securitySet.Flags().Uint64("max-amount-per-tx", 0, "Recorded amount cap per action")
	securitySet.Flags().Uint64("max-amount-per-day", 0, "Recorded amount cap per day")
	securitySet.Flags().UintSlice("allow", nil, "Allowed function ids (empty allows all)")
	securityGet := &cobra.Command{
		Use:   "get <user_id>",
		Short: "Read a user's security policy and today's remaining actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/policy/security/" + url.PathEscape(args[0]))
			})
		},
	}
	security.AddCommand(securitySet, securityGet)

	cmd.AddCommand(fee, asset, security)
	return cmd
}

// --- actions ---

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <temp_key> <recipient> <amount>",
		Short: "Move funds from a user's account, paying the configured fee",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			asset, _ := cmd.Flags().GetString("asset")
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/actions/transfer", map[string]any{
					"temp_key":  args[0],
					"recipient": args[1],
					"amount":    amount,
					"asset_id":  asset,
				})
			})
		},
	}
	cmd.Flags().String("asset", "", "Asset id (empty for the native asset)")
	return cmd
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay <temp_key> <function>",
		Short: "Forward a call to the target on behalf of a user",
		Long: "Forward a call to the target. <function> is a numeric id or one of " +
			"transfer, register-asset, create-swap; params are built from flags or given raw with --params-hex.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, params, err := buildParams(args[1], paramFlags(cmd))
			if err != nil {
				return err
			}
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/actions/relay", map[string]any{
					"temp_key":    args[0],
					"function_id": fn,
					"params":      params,
				})
			})
		},
	}
	f := cmd.Flags()
	f.String("params-hex", "", "Raw CBOR params, hex encoded")
	f.String("recipient", "", "transfer: recipient key")
	f.Uint64("amount", 0, "transfer: amount")
	f.String("mint", "", "register-asset: mint key")
	f.String("name", "", "register-asset: asset name")
	f.String("asset-a", "", "create-swap: first asset key")
	f.String("asset-b", "", "create-swap: second asset key")
	f.Uint64("amount-a", 0, "create-swap: amount of the first asset")
	f.Uint64("amount-b", 0, "create-swap: amount of the second asset")
	return cmd
}

func paramFlags(cmd *cobra.Command) paramInput {
	var in paramInput
	f := cmd.Flags()
	in.Hex, _ = f.GetString("params-hex")
	in.Recipient, _ = f.GetString("recipient")
	in.Amount, _ = f.GetUint64("amount")
	in.Mint, _ = f.GetString("mint")
	in.Name, _ = f.GetString("name")
	in.AssetA, _ = f.GetString("asset-a")
	in.AssetB, _ = f.GetString("asset-b")
	in.AmountA, _ = f.GetUint64("amount-a")
	in.AmountB, _ = f.GetUint64("amount-b")
	return in
}

// --- ledger ---

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect and fund ledger balances"}

	creditCmd := &cobra.Command{
		Use:   "credit <owner> <amount>",
		Short: "Mint funds into an account (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			asset, _ := cmd.Flags().GetString("asset")
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/ledger/credit", map[string]any{"owner": args[0], "amount": amount, "asset_id": asset})
			})
		},
	}
	creditCmd.Flags().String("asset", "", "Asset id (empty for the native asset)")

	balanceCmd := &cobra.Command{
		Use:   "balance <owner>",
		Short: "Read a balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, _ := cmd.Flags().GetString("asset")
			q := url.Values{"owner": {args[0]}, "asset_id": {asset}}
			return call(func(c *Client) (map[string]any, error) {
				return c.get("/v1/ledger/balance?" + q.Encode())
			})
		},
	}
	balanceCmd.Flags().String("asset", "", "Asset id (empty for the native asset)")

	cmd.AddCommand(creditCmd, balanceCmd)
	return cmd
}

// --- target ---

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "target", Short: "Operate the embedded target"}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show target state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) { return c.get("/v1/target/status") })
		},
	}
	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Toggle the target's paused flag (target admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) { return c.post("/v1/target/pause", nil) })
		},
	}
	adminCmd := &cobra.Command{
		Use:   "change-admin <new_admin>",
		Short: "Hand the target admin role to another key (target admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(func(c *Client) (map[string]any, error) {
				return c.post("/v1/target/admin", map[string]any{"new_admin": args[0]})
			})
		},
	}

	cmd.AddCommand(statusCmd, pauseCmd, adminCmd)
	return cmd
}

// --- action log ---

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Query the action log (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("user"); v != "" {
				q.Set("user_id", v)
			}
			if v, _ := cmd.Flags().GetDuration("since"); v > 0 {
				q.Set("since", time.Now().Add(-v).UTC().Format(time.RFC3339))
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.Set("limit", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetInt("offset"); v > 0 {
				q.Set("offset", strconv.Itoa(v))
			}
			path := "/v1/actions"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			client, err := newClient()
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			entries, _ := result["entries"].([]any)
			printEntries(entries)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Only entries for this user id")
	cmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 24h)")
	cmd.Flags().Int("limit", 0, "Maximum entries")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	return cmd
}
