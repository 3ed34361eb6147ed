package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/gateway-fm/questrunner/pkg/types"
)

// questNames are the short labels used in tool output.
var questNames = map[types.QuestID]string{
	types.QuestZeroLiquidity: "ZERO/ETH liquidity",
	types.QuestSupply:        "Zerolend supply",
	types.QuestNileLiquidity: "NILE/ETH liquidity",
	types.QuestStake:         "ZERO/ETH stake",
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatPct formats part of total as a percentage string.
func formatPct(part, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(total)*100)
}

// formatTime formats a timestamp, or "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// flags renders quest flags as a compact [x x - x] row in quest order.
func flags(s types.AccountStatus) string {
	marks := make([]string, 0, len(types.AllQuests))
	for _, q := range types.AllQuests {
		if s.Done(q) {
			marks = append(marks, "x")
		} else {
			marks = append(marks, "-")
		}
	}
	return "[" + strings.Join(marks, " ") + "]"
}

func formatAccounts(page []types.AccountStatus, total, offset int) string {
	lines := joinLines(
		section("Quest Accounts"),
		kv("Total Profiles", total),
		kv("Showing", fmt.Sprintf("%d-%d", min(offset+1, total), offset+len(page))),
		"",
	)
	if len(page) == 0 {
		return lines + "\nNo accounts found."
	}

	var b strings.Builder
	b.WriteString(lines)
	b.WriteString("\n\n  profile  quests 1-4  address\n")
	for _, a := range page {
		state := ""
		if a.Complete() {
			state = "  complete"
		}
		fmt.Fprintf(&b, "  %-7d  %-10s  %s%s\n", a.ProfileNumber, flags(a), a.Address, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAccount(s *types.AccountStatus, runs []types.AccountRun) string {
	lines := []string{
		section(fmt.Sprintf("Profile %d", s.ProfileNumber)),
		kv("Address", s.Address),
		kv("Updated", formatTime(s.UpdatedAt)),
		kv("Complete", s.Complete()),
	}
	for _, q := range types.AllQuests {
		state := "pending"
		if s.Done(q) {
			state = "done"
		}
		lines = append(lines, kv(fmt.Sprintf("%s (%s)", q, questNames[q]), state))
	}
	out := joinLines(lines...)
	if len(runs) > 0 {
		out += "\n\n" + formatRuns(runs)
	}
	return out
}

func formatSummary(s *types.QuestSummary) string {
	lines := []string{
		section("Quest Summary"),
		kv("Profiles", s.Accounts),
		kv("Fully Complete", fmt.Sprintf("%d (%s)", s.Completed, formatPct(s.Completed, s.Accounts))),
		"",
	}
	out := joinLines(lines...) + "\n\n" + section("Per Quest")
	for _, q := range types.AllQuests {
		n := s.PerQuest[q]
		out += "\n" + kv(questNames[q], fmt.Sprintf("%d (%s)", n, formatPct(n, s.Accounts)))
	}
	return out
}

func formatRuns(runs []types.AccountRun) string {
	if len(runs) == 0 {
		return section("Recent Runs") + "\nNo runs recorded."
	}
	var b strings.Builder
	b.WriteString(section("Recent Runs"))
	for _, r := range runs {
		d := "-"
		if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
			d = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "\n  #%-5d profile %-5d %-9s attempts=%d  %s  %s",
			r.ID, r.ProfileNumber, r.Outcome, r.Attempts, formatTime(r.StartedAt), d)
		if r.Error != "" {
			fmt.Fprintf(&b, "\n         error: %s", r.Error)
		}
	}
	return b.String()
}
