// Package types contains public API types shared by the runner, the status API and the MCP tools.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"time"
)

// QuestID identifies one campaign quest. The numbering matches the
// quest_N_status columns of the accounts table.
type QuestID int

const (
	QuestZeroLiquidity QuestID = 1 // Provide liquidity to Zero/ETH on Nile
	QuestSupply        QuestID = 2 // Supply any asset on Linea on Zerolend
	QuestNileLiquidity QuestID = 3 // Provide liquidity to Nile/ETH on Nile
	QuestStake         QuestID = 4 // Stake Zero/ETH on Zerolend
)

// QuestCount is the number of tracked quests.
const QuestCount = 4

// AllQuests lists every quest in storage order.
var AllQuests = []QuestID{QuestZeroLiquidity, QuestSupply, QuestNileLiquidity, QuestStake}

// Valid reports whether q is a known quest.
func (q QuestID) Valid() bool {
	return q >= QuestZeroLiquidity && q <= QuestStake
}

func (q QuestID) String() string {
	return fmt.Sprintf("quest_%d", int(q))
}

// RunOutcome is the final state of one account run.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeTimeout   RunOutcome = "timeout"
	OutcomeSkipped   RunOutcome = "skipped"
)

// AccountStatus is the persisted quest progress of one profile.
type AccountStatus struct {
	ProfileNumber int       `json:"profileNumber"`
	Address       string    `json:"address"`
	Quests        [4]bool   `json:"quests"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Done reports whether quest q is marked complete.
func (s AccountStatus) Done(q QuestID) bool {
	if !q.Valid() {
		return false
	}
	return s.Quests[int(q)-1]
}

// Complete reports whether all quests are marked complete.
func (s AccountStatus) Complete() bool {
	for _, done := range s.Quests {
		if !done {
			return false
		}
	}
	return true
}

// QuestSummary aggregates completion counts across all profiles.
type QuestSummary struct {
	Accounts  int             `json:"accounts"`
	Completed int             `json:"completed"`
	PerQuest  map[QuestID]int `json:"perQuest"`
}

// AccountRun records one scheduler execution of a profile.
type AccountRun struct {
	ID            int64      `json:"id"`
	ProfileNumber int        `json:"profileNumber"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    time.Time  `json:"finishedAt"`
	Outcome       RunOutcome `json:"outcome"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
}
