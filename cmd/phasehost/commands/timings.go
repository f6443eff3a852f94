package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"phasehost/internal/config"
	"phasehost/internal/contrib"
	"phasehost/internal/diag"
	"phasehost/internal/lifecycle"
	"phasehost/internal/storage"
	logx "phasehost/pkg/logx"
)

var (
	timingsRun     string
	timingsID      string
	timingsLimit   int
	timingsOutput  string
	timingsSummary bool
)

var timingsCmd = &cobra.Command{
	Use:   "timings",
	Short: "List persisted contribution creation timings",
	Long: `List contribution creation timings persisted by the diagnostics flusher.

Requires a storage driver in the config file.

Examples:
  # Last 20 records
  phasehost timings --limit 20

  # One contribution across runs, as JSON
  phasehost timings --id host.metrics-server --output json

  # Per-phase summary of one run
  phasehost timings --run 5f0c... --summary`,
	RunE: runTimings,
}

func init() {
	timingsCmd.Flags().StringVar(&timingsRun, "run", "", "Only records of this run id")
	timingsCmd.Flags().StringVar(&timingsID, "id", "", "Only records of this contribution id")
	timingsCmd.Flags().IntVar(&timingsLimit, "limit", 0, "Keep only the most recent N records (0 = all)")
	timingsCmd.Flags().StringVarP(&timingsOutput, "output", "o", "table", "Output format (table|json|yaml)")
	timingsCmd.Flags().BoolVar(&timingsSummary, "summary", false, "Print a per-phase summary instead of records")
}

func runTimings(cmd *cobra.Command, _ []string) error {
	if timingsLimit < 0 {
		return errors.New("--limit must be >= 0")
	}
	cfg, err := config.NewConfigManager(GetConfigFile()).Load()
	if err != nil {
		return err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if rt.StorageDriver == "" {
		return fmt.Errorf("timings: %w (set storage.driver in %s)", storage.ErrDisabled, GetConfigFile())
	}
	st, err := storage.Open(storage.Config{
		Driver:      rt.StorageDriver,
		Path:        rt.StoragePath,
		BusyTimeout: rt.StorageBusyTimeout,
	}, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListTimings(cmd.Context(), storage.TimingQuery{RunID: timingsRun, ID: timingsID, Limit: timingsLimit})
	if err != nil {
		return err
	}
	if timingsSummary {
		return printSummary(cmd.OutOrStdout(), timingsOutput, summarize(recs))
	}
	return printRecords(cmd.OutOrStdout(), timingsOutput, recs)
}

// summarize groups records by phase the way the flusher does at shutdown.
func summarize(recs []storage.TimingRecord) []diag.PhaseSummary {
	byPhase := map[lifecycle.Phase][]contrib.Timing{}
	for _, r := range recs {
		p, err := lifecycle.ParsePhase(r.Phase)
		if err != nil {
			continue
		}
		byPhase[p] = append(byPhase[p], contrib.Timing{ID: r.ID, Elapsed: r.Elapsed})
	}
	return diag.Summarize(byPhase)
}

type summaryRow struct {
	Phase     string `json:"phase" yaml:"phase"`
	Count     int    `json:"count" yaml:"count"`
	Total     string `json:"total" yaml:"total"`
	SlowestID string `json:"slowest_id" yaml:"slowest_id"`
	Slowest   string `json:"slowest" yaml:"slowest"`
}

func printSummary(w io.Writer, format string, sums []diag.PhaseSummary) error {
	rows := make([]summaryRow, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, summaryRow{
			Phase: s.Phase.String(), Count: s.Count, Total: s.Total.String(),
			SlowestID: s.SlowestID, Slowest: s.Slowest.String(),
		})
	}
	return render(w, format, rows, []string{"Phase", "Count", "Total", "Slowest ID", "Slowest"}, func() [][]string {
		out := make([][]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, []string{r.Phase, strconv.Itoa(r.Count), r.Total, r.SlowestID, r.Slowest})
		}
		return out
	})
}

type recordRow struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Phase   string `json:"phase" yaml:"phase"`
	ID      string `json:"id" yaml:"id"`
	Elapsed string `json:"elapsed" yaml:"elapsed"`
	At      string `json:"at" yaml:"at"`
}

func printRecords(w io.Writer, format string, recs []storage.TimingRecord) error {
	rows := make([]recordRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, recordRow{
			RunID: r.RunID, Phase: r.Phase, ID: r.ID,
			Elapsed: r.Elapsed.String(), At: r.At.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return render(w, format, rows, []string{"Run", "Phase", "ID", "Elapsed", "At"}, func() [][]string {
		out := make([][]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, []string{shortRunID(r.RunID), r.Phase, r.ID, r.Elapsed, r.At})
		}
		return out
	})
}

func render(w io.Writer, format string, v any, headers []string, tableRows func() [][]string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "table", "":
		table := tablewriter.NewWriter(w)
		table.SetHeader(headers)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(true)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetCenterSeparator("")
		table.SetColumnSeparator("")
		table.SetRowSeparator("")
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetTablePadding("  ")
		table.SetNoWhiteSpace(true)
		table.AppendBulk(tableRows())
		table.Render()
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", format)
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
