// Package storage persists per-profile quest progress and run history.
package storage

import "github.com/gateway-fm/questrunner/pkg/types"

// PaginatedAccounts is one page of account rows.
type PaginatedAccounts struct {
	Accounts []types.AccountStatus `json:"accounts"`
	Total    int                   `json:"total"`
	Limit    int                   `json:"limit"`
	Offset   int                   `json:"offset"`
}

// questColumn maps a quest to its flag column. Only valid quests have a
// column, which keeps column names out of caller control.
func questColumn(q types.QuestID) (string, bool) {
	switch q {
	case types.QuestZeroLiquidity:
		return "quest_1_status", true
	case types.QuestSupply:
		return "quest_2_status", true
	case types.QuestNileLiquidity:
		return "quest_3_status", true
	case types.QuestStake:
		return "quest_4_status", true
	}
	return "", false
}
