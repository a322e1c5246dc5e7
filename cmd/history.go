package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/stats"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect archived sessions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		h, err := openHistory(cmd)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runHistoryList(h, os.Stdout); err != nil {
			exitWithError("failed to list history", err)
		}
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <timestamp>",
	Short: "Show one archived session",
	Long: `Show the summary and per-player totals of one archived session.

Examples:
  dmgmeter history show 1750000000000
  dmgmeter history show 1750000000000 --uid 7`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		h, err := openHistory(cmd)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := runHistoryShow(h, args[0], historyUID, os.Stdout); err != nil {
			exitWithError("failed to show session", err)
		}
	},
}

var historyUID string

func init() {
	historyShowCmd.Flags().StringVar(&historyUID, "uid", "", "show the skill breakdown of one player")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

func openHistory(cmd *cobra.Command) (*stats.History, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return stats.NewHistory(cfg.LogsDir()), nil
}

func runHistoryList(h *stats.History, out io.Writer) error {
	list, err := h.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no archived sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSTARTED\tDURATION\tPLAYERS\tBOSS")
	for _, ts := range list {
		key := strconv.FormatInt(ts, 10)
		s, err := h.Summary(key)
		if err != nil {
			// archive still being written or damaged
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", key, formatMillis(ts))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", key, formatMillis(ts),
			time.Duration(s.Duration)*time.Millisecond, s.UserCount, s.MaxHpMonster)
	}
	return tw.Flush()
}

func runHistoryShow(h *stats.History, ts, uid string, out io.Writer) error {
	s, err := h.Summary(ts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s (version %s)\n", ts, s.Version)
	fmt.Fprintf(out, "  started:  %s\n", formatMillis(s.StartTime))
	fmt.Fprintf(out, "  duration: %s\n", time.Duration(s.Duration)*time.Millisecond)
	if s.MaxHpMonster != "" {
		fmt.Fprintf(out, "  boss:     %s\n", s.MaxHpMonster)
	}

	if uid != "" {
		return printDetail(h, ts, uid, out)
	}

	users, err := h.AllUsers(ts)
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(users))
	for k := range users {
		uids = append(uids, k)
	}
	sort.Slice(uids, func(i, j int) bool {
		return users[uids[i]].TotalDamage.Total > users[uids[j]].TotalDamage.Total
	})

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tNAME\tPROFESSION\tDAMAGE\tDPS\tHEALING\tTAKEN")
	for _, k := range uids {
		u := users[k]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f\t%d\t%d\n", k, u.Name, u.Profession,
			u.TotalDamage.Total, u.TotalDPS, u.TotalHealing.Total, u.TakenDamage)
	}
	return tw.Flush()
}

func printDetail(h *stats.History, ts, uid string, out io.Writer) error {
	d, err := h.UserDetail(ts, uid)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s (%s) uid %d\n", d.Name, d.Profession, d.UID)

	ids := make([]string, 0, len(d.Skills))
	for k := range d.Skills {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool {
		return d.Skills[ids[i]].TotalDamage > d.Skills[ids[j]].TotalDamage
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SKILL\tNAME\tTYPE\tTOTAL\tHITS")
	for _, id := range ids {
		sk := d.Skills[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", id, sk.DisplayName, sk.Type, sk.TotalDamage, sk.TotalCount)
	}
	return tw.Flush()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
