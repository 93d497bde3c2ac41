package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/scheduler"
)

const dateLayout = "2006-01-02"

// recordFlags are the editable fields shared by add and edit.
type recordFlags struct {
	title string
	price int64
	date  string
	sold  bool
}

func (f *recordFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.title, "title", "", "title")
	fs.Int64Var(&f.price, "price", 0, "price, non-negative")
	fs.StringVar(&f.date, "date", "", "date as YYYY-MM-DD")
	fs.BoolVar(&f.sold, "sold", false, "sold flag")
}

// apply copies the flags that were set on the command line onto r.
func (f *recordFlags) apply(fs *pflag.FlagSet, r model.Record) (model.Record, error) {
	if fs.Changed("title") {
		r.Title = f.title
	}
	if fs.Changed("price") {
		r.Price = f.price
	}
	if fs.Changed("date") {
		r.Date = f.date
	}
	if fs.Changed("sold") {
		r.Sold = f.sold
	}
	return r, validateRecord(r)
}

func validateRecord(r model.Record) error {
	if r.Title == "" {
		return errors.New("title is required")
	}
	if r.Price < 0 {
		return errors.New("price must be non-negative")
	}
	if r.Date != "" {
		if _, err := time.Parse(dateLayout, r.Date); err != nil {
			return fmt.Errorf("date %q: want YYYY-MM-DD", r.Date)
		}
	}
	return nil
}

func findRecord(rows []model.Record, id string) (model.Record, error) {
	for _, r := range rows {
		if r.ID == id {
			return r, nil
		}
	}
	return model.Record{}, fmt.Errorf("record %s: %w", id, errs.ErrNotFound)
}

func newAddCmd(c *cli) *cobra.Command {
	var f recordFlags
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a record locally and push it when possible",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.date = choose(f.date, time.Now().Format(dateLayout))
			r, err := f.apply(cmd.Flags(), model.Record{Date: f.date})
			if err != nil {
				return err
			}
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			saved, err := a.sync.Save(ctx, r)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), []model.Record{saved}, asJSON)
		},
	}
	f.bind(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newEditCmd(c *cli) *cobra.Command {
	var f recordFlags
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			rows, err := a.sync.Records(ctx)
			if err != nil {
				return err
			}
			cur, err := findRecord(rows, args[0])
			if err != nil {
				return err
			}
			next, err := f.apply(cmd.Flags(), cur)
			if err != nil {
				return err
			}
			saved, err := a.sync.Update(ctx, next)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), []model.Record{saved}, asJSON)
		},
	}
	f.bind(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a record locally and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()
			return a.sync.Delete(ctx, args[0])
		},
	}
}

func newListCmd(c *cli) *cobra.Command {
	var asJSON, pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the local records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			rows, err := a.sync.Records(ctx)
			if err != nil {
				return err
			}
			if pending {
				rows = onlyPending(rows)
			}
			return printRecords(cmd.OutOrStdout(), rows, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&pending, "pending", false, "only records not yet acknowledged by the server")
	return cmd
}

func onlyPending(rows []model.Record) []model.Record {
	out := rows[:0:0]
	for _, r := range rows {
		if r.SyncState == model.Pending {
			out = append(out, r)
		}
	}
	return out
}

func newSyncCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending records and pull the server list once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.sched.RunOnce(cmd.Context(), scheduler.TriggerManual)
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s after %d attempt(s): %s\n", st.Phase, st.Attempts, st.Message)
			}
			if st.Phase != scheduler.PhaseComplete {
				return fmt.Errorf("sync %s", st.Phase)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
