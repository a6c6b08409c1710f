package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown report format %q (want text, json or yaml)", format)
	}
}

func renderReport(w io.Writer, format string, r harvest.Report) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	default:
		return renderText(w, r)
	}
}

func renderText(w io.Writer, r harvest.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "duration\t%s\n", r.Duration().Round(time.Millisecond))
	rows := []struct {
		label string
		n     int
	}{
		{"resolved", r.Resolved},
		{"already done", r.AlreadyDone},
		{"excluded", r.Excluded},
		{"downloaded", r.Downloaded},
		{"reused", r.Reused},
		{"failed", r.Failed},
		{"renamed", r.Renamed},
		{"deleted", r.Deleted},
		{"mirrored", r.Mirrored},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", row.label, row.n)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if len(r.Failures) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nfailures:")
	for _, f := range r.Failures {
		subject := f.ItemID
		if subject == "" {
			subject = f.Path
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", f.Stage, subject, f.Reason)
	}
	return nil
}
