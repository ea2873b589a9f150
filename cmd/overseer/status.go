package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/overseer/service"
	"github.com/tomyedwab/overseer/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [service...]",
	Short: "Print the last persisted state of services as YAML",
	RunE:  doStatus,
}

type statusEntry struct {
	service.Snapshot `yaml:",inline"`
	Revision         string    `yaml:"revision"`
	UpdatedAt        time.Time `yaml:"updated_at"`
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := sqlx.Connect("sqlite3", cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state database %s: %w", cfg.StateDB, err)
	}
	defer db.Close()
	st, err := store.Open(db)
	if err != nil {
		return err
	}

	var records []store.Record
	if len(args) == 0 {
		records, err = st.List(ctx)
		if err != nil {
			return err
		}
	}
	for _, name := range args {
		rec, err := st.Load(ctx, name)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	entries := make([]statusEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, statusEntry{Snapshot: rec.Snapshot, Revision: rec.Revision, UpdatedAt: rec.UpdatedAt})
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(entries)
}
