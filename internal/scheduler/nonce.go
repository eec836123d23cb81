package scheduler

import "github.com/google/uuid"

// newRunNonce disambiguates concurrent/retried fires of the same schedule so
// their isolated session ids never collide (spec §4.5:
// "scheduler::<schedule_id>::<run_nonce>").
func newRunNonce() string {
	return uuid.New().String()[:8]
}
