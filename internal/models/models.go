package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a download record. It is a closed set:
// ParseStatus rejects anything outside the table below, and transitions are
// only legal where CanTransition says so.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
)

// transitions maps each status to the set of statuses it may move to.
// completed and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// ParseStatus validates a status string coming from the wire or the database.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown status: %q", s)
	}
	return st, nil
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the status still holds the (user, game) slot:
// pending, in_progress and paused block a second initiate.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether no further transitions exist from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// ReservesQuota reports whether a record in this status counts against the
// user's storage budget. Active records reserve their full file size up front
// so two concurrent initiations cannot jointly overrun the budget; completed
// records occupy real space; failed and cancelled reserve nothing.
func (s Status) ReservesQuota() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// ActiveStatuses is the dedup scope, in a stable order for SQL IN clauses.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusPaused}
}

// QuotaStatuses is the set of statuses whose file_size counts as used bytes.
func QuotaStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusPaused, StatusCompleted}
}

// DownloadRecord represents one user's download of one game.
type DownloadRecord struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	GameID             string     `json:"game_id"`
	Status             Status     `json:"status"`
	FileSize           int64      `json:"file_size"`
	DownloadedBytes    int64      `json:"downloaded_bytes"`
	ProgressPercentage int        `json:"progress_percentage"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProgressPercent computes floor(downloaded*100/size). Zero-size files report
// 0 until completion drives them to 100 explicitly.
func ProgressPercent(downloaded, size int64) int {
	if size <= 0 {
		return 0
	}
	return int(downloaded * 100 / size)
}

// Tier is a membership level determining the storage budget.
type Tier string

const (
	TierFree          Tier = "free"
	TierMember        Tier = "member"
	TierOfflineMember Tier = "offline_member"
)

// tierBudgets is the fixed tier -> byte budget table.
var tierBudgets = map[Tier]int64{
	TierFree:          1 << 30,  // 1 GiB
	TierMember:        5 << 30,  // 5 GiB
	TierOfflineMember: 20 << 30, // 20 GiB
}

// Budget returns the byte budget for the tier. Unknown tiers fall back to the
// free budget rather than granting unbounded storage.
func (t Tier) Budget() int64 {
	if b, ok := tierBudgets[t]; ok {
		return b
	}
	return tierBudgets[TierFree]
}

// QuotaView is the derived storage accounting snapshot returned to clients.
type QuotaView struct {
	Used           int64   `json:"used"`
	Total          int64   `json:"total"`
	Available      int64   `json:"available"`
	PercentageUsed float64 `json:"percentage_used"`
	Tier           Tier    `json:"tier"`
}

// GameFile is the catalog metadata the transfer path needs: where the backing
// object lives and how large it is. Catalog curation is out of scope; this is
// read-only collaborator data.
type GameFile struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Bucket      string `json:"bucket"`
	StoragePath string `json:"storage_path"`
	SizeBytes   int64  `json:"size_bytes"`
}
