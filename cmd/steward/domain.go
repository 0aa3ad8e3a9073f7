package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/spf13/cobra"
)

// Domain commands
var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage stored domains",
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains with their recorded server states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		domains, err := store.ListDomains()
		if err != nil {
			return fmt.Errorf("failed to list domains: %w", err)
		}
		if len(domains) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No domains found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UID\tNAMESPACE\tNAME\tSERVERS\tSTATES\tUPDATED")
		for _, d := range domains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				d.UID, d.Namespace, d.Name, declaredServers(d), summarizeStates(d.Status), updated(d.Status))
		}
		return w.Flush()
	},
}

var domainDeleteCmd = &cobra.Command{
	Use:   "delete UID",
	Short: "Delete a domain from the store",
	Long: `Delete a domain from the store.

The running controller forgets the domain on its next pass and stops
reconciling it. Its pods are left in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		uid := args[0]
		if _, err := store.GetDomain(uid); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("domain %s not found", uid)
			}
			return err
		}
		if err := store.DeleteDomain(uid); err != nil {
			return fmt.Errorf("failed to delete domain: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Domain deleted: %s\n", uid)
		return nil
	},
}

func init() {
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainDeleteCmd)
	rootCmd.AddCommand(domainCmd)
}

// declaredServers counts the admin server and every managed server
func declaredServers(d *types.Domain) int {
	n := 1
	for _, c := range d.Clusters {
		n += c.Replicas
	}
	return n
}

// summarizeStates renders recorded states as "RUNNING=3,SHUTDOWN=1"
func summarizeStates(status *types.DomainStatus) string {
	if status == nil || len(status.Servers) == 0 {
		return "-"
	}

	order := []string{types.StateRunning, types.StateStarting, types.StateFailed, types.StateShutdown, types.StateUnknown}
	counts := make(map[string]int)
	for _, s := range status.Servers {
		counts[s.State]++
	}

	var parts []string
	for _, state := range order {
		if counts[state] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
		}
	}
	return strings.Join(parts, ",")
}

func updated(status *types.DomainStatus) string {
	if status == nil || status.UpdatedAt.IsZero() {
		return "never"
	}
	return status.UpdatedAt.Format("2006-01-02 15:04:05")
}
