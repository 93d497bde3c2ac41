package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/and161185/gophsync/internal/model"
)

const commandTimeout = 30 * time.Second

func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, commandTimeout)
}

// recordView is the printed shape of a record.
type recordView struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Price int64  `json:"price"`
	Date  string `json:"date"`
	Sold  bool   `json:"sold"`
	State string `json:"state"`
}

func viewOf(r model.Record) recordView {
	return recordView{ID: r.ID, Title: r.Title, Price: r.Price, Date: r.Date, Sold: r.Sold, State: r.SyncState.String()}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, rows []model.Record, asJSON bool) error {
	if asJSON {
		views := make([]recordView, 0, len(rows))
		for _, r := range rows {
			views = append(views, viewOf(r))
		}
		return printJSON(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPRICE\tDATE\tSOLD\tSTATE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\t%s\n", r.ID, r.Title, r.Price, r.Date, r.Sold, r.SyncState)
	}
	return tw.Flush()
}

func choose(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
