package tick

import (
	"fmt"
	"strconv"
)

// Global keys.
const (
	keyTime          = "time"
	keyProcessorTime = "processorTime"
	keyRooms         = "rooms"
	keyActiveRooms   = "activeRooms"
	keySleepingRooms = "sleepingRooms"
	keyActiveUsers   = "activeUsers"
)

// roomKey is the double-buffered room blob slot read on tick.
func roomKey(tick int64, name string) string {
	return "room" + strconv.FormatInt(tick&1, 10) + "/" + name
}

func roomUsersKey(name, relation string) string {
	return "room/" + name + "/users/" + relation
}

func userRoomsKey(user, relation string) string {
	return "user/" + user + "/rooms/" + relation
}

const (
	relationIntent   = "intent"
	relationPresence = "presence"
)

// tickKeys names every piece of per-tick bookkeeping for one tick.
type tickKeys struct {
	tick int64
}

func keysFor(tick int64) tickKeys { return tickKeys{tick: tick} }

func (k tickKeys) prefix() string { return fmt.Sprintf("tick/%d/", k.tick) }

// queue scores each room by the runner payloads it still waits for.
func (k tickKeys) queue() string { return k.prefix() + "queue" }

// claimed scores each claimed, unreported room by the epoch it was claimed in.
func (k tickKeys) claimed() string { return k.prefix() + "claimed" }

// epoch counts abandonments of the tick; claims from an older epoch are stale.
func (k tickKeys) epoch() string { return k.prefix() + "epoch" }

func (k tickKeys) processed() string      { return k.prefix() + "processed" }
func (k tickKeys) processPending() string { return k.prefix() + "processPending" }

func (k tickKeys) finalizePending() string { return k.prefix() + "finalizePending" }

// finalizeTargets is every room owed a finalize: processed rooms and extras.
func (k tickKeys) finalizeTargets() string { return k.prefix() + "finalizeTargets" }
func (k tickKeys) finalized() string       { return k.prefix() + "finalized" }

// relayTargets collects rooms that were sent relayed intents during the tick.
func (k tickKeys) relayTargets() string { return k.prefix() + "relayTargets" }

// finalizeExtra holds relay targets that were not processed this tick and still
// need a finalize pass; workers pop them.
func (k tickKeys) finalizeExtra() string { return k.prefix() + "finalizeExtra" }

func (k tickKeys) runnerUsers() string { return k.prefix() + "runnerUsers" }

func (k tickKeys) intents(room string) string { return k.prefix() + "room/" + room + "/intents" }
func (k tickKeys) relay(room string) string   { return k.prefix() + "room/" + room + "/relay" }

// bookkeeping lists the fixed-name keys of the tick, used for garbage collection.
func (k tickKeys) bookkeeping() []string {
	return []string{
		k.queue(), k.claimed(), k.epoch(), k.processed(), k.processPending(),
		k.finalizePending(), k.finalizeTargets(), k.finalized(), k.relayTargets(),
		k.finalizeExtra(), k.runnerUsers(),
	}
}
