package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/BTreeMap/VaultPipe/internal/models"
)

// SpreadWindow is the window automatic backups are spread across.
const SpreadWindow = 24 * time.Hour

// OwnerHash returns a stable, uniformly distributed hash of the owner id.
// Every scheduling decision derives from this value, so two scheduler runs in
// the same period always agree.
func OwnerHash(ownerID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ownerID))
	return h.Sum64()
}

// Decision is the ephemeral outcome of evaluating one owner for one period.
type Decision struct {
	Run   bool
	Delay time.Duration
}

// Decide computes whether the owner's backup runs this period and, if so,
// how far into the spread window its enqueue is delayed. It is a pure
// function of the owner id, frequency, and date.
func Decide(ownerID string, freq models.BackupFrequency, day time.Time) Decision {
	hash := OwnerHash(ownerID)
	if freq == models.FrequencyWeekly && hash%7 != uint64(day.UTC().Weekday()) {
		return Decision{}
	}
	return Decision{
		Run:   true,
		Delay: time.Duration(hash % uint64(SpreadWindow)),
	}
}

// PeriodKey returns the idempotency key for one owner and one calendar day,
// so a scheduler re-run within the period cannot double-enqueue.
func PeriodKey(ownerID string, day time.Time) string {
	return ownerID + "-" + day.UTC().Format("2006-01-02")
}
