package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a domain declaration",
	Long: `Apply one or more domain declarations from a YAML file.

A file may hold several domains separated by '---'. A domain is matched to a
stored one by UID, or by namespace and name when it declares no UID; matched
domains are replaced, others are created.

Examples:
  # Apply a domain
  steward apply -f domain.yaml

  # Read the declaration from stdin
  cat domain.yaml | steward apply -f -`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply, or - for stdin (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		defer f.Close()
		r = f
	}

	domains, err := readDomains(r)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, d := range domains {
		created, err := applyDomain(store, d)
		if err != nil {
			return err
		}
		verb := "updated"
		if created {
			verb = "created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Domain %s: %s/%s (UID: %s)\n", verb, d.Namespace, d.Name, d.UID)
	}
	return nil
}

// readDomains decodes every YAML document in r as a domain
func readDomains(r io.Reader) ([]*types.Domain, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var domains []*types.Domain
	for {
		var d types.Domain
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		domains = append(domains, &d)
	}

	if len(domains) == 0 {
		return nil, fmt.Errorf("no domain found")
	}
	return domains, nil
}

// applyDomain creates or replaces d in store and reports whether it was
// created. A domain without UID takes the UID of the stored domain with the
// same namespace and name, or a new one.
func applyDomain(store storage.Store, d *types.Domain) (bool, error) {
	var existing *types.Domain
	var err error
	if d.UID != "" {
		existing, err = store.GetDomain(d.UID)
	} else {
		existing, err = store.GetDomainByName(d.Namespace, d.Name)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	now := time.Now()
	d.UpdatedAt = now
	if existing != nil {
		d.UID = existing.UID
		d.CreatedAt = existing.CreatedAt
	} else {
		if d.UID == "" {
			d.UID = uuid.New().String()
		}
		d.CreatedAt = now
	}

	if err := d.Validate(); err != nil {
		return false, fmt.Errorf("invalid domain %s/%s: %w", d.Namespace, d.Name, err)
	}

	if existing != nil {
		if err := store.UpdateDomain(d); err != nil {
			return false, fmt.Errorf("failed to update domain: %w", err)
		}
		return false, nil
	}
	if err := store.CreateDomain(d); err != nil {
		return false, fmt.Errorf("failed to create domain: %w", err)
	}
	return true, nil
}
