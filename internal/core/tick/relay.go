package tick

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/storage"
)

var (
	scriptPublishIntents = storage.Script{Name: "publishRunnerIntents", Version: 1}
	scriptPullIntents    = storage.Script{Name: "pullRoomIntents", Version: 1}
	scriptPullRelay      = storage.Script{Name: "pullInterRoomIntents", Version: 1}
	scriptClaimUser      = storage.Script{Name: "claimRunnerUser", Version: 1}
	scriptClaimExtra     = storage.Script{Name: "claimFinalizeExtra", Version: 1}
)

// PublishRunnerIntents appends user's payload to the pending-intents list of
// every room in payloads and counts the user off each room's queue entry. A room
// whose count reaches zero is ready and a process broadcast goes out. Rooms not
// waiting in tick's queue, because they were already claimed or are not part of
// the tick, are skipped.
//
// Runners must publish for every room the user has an intent relationship with,
// with an empty payload where the user has nothing to do.
func (c *Coordinator) PublishRunnerIntents(ctx context.Context, user string, tick int64, payloads map[string]intents.Payload) error {
	rooms := slices.Sorted(maps.Keys(payloads))
	encoded := make(map[string][]byte, len(rooms))
	for _, name := range rooms {
		data, err := intents.EncodeUserPayload(intents.UserPayload{User: user, Payload: payloads[name]})
		if err != nil {
			return err
		}
		encoded[name] = data
	}

	k := keysFor(tick)
	keys := []string{k.queue()}
	for _, name := range rooms {
		keys = append(keys, k.intents(name))
	}

	var ready, skipped []string
	err := c.store.Atomic(ctx, scriptPublishIntents, keys, func(tx storage.Tx) error {
		ready, skipped = ready[:0], skipped[:0]
		for _, name := range rooms {
			if _, queued, err := tx.ZScore(k.queue(), name); err != nil {
				return err
			} else if !queued {
				skipped = append(skipped, name)
				continue
			}
			if _, err := tx.RPush(k.intents(name), encoded[name]); err != nil {
				return err
			}
			left, err := tx.ZIncrBy(k.queue(), name, -1)
			if err != nil {
				return err
			}
			if left <= 0 {
				ready = append(ready, name)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish intents of %s for tick %d: %w", user, tick, err)
	}
	if len(skipped) > 0 {
		c.logger.Debug("intents for rooms outside the queue skipped",
			log.String("user", user), log.Tick(tick), log.Strings("rooms", skipped))
	}
	if len(ready) > 0 {
		c.publish(bus.ChannelProcessor, bus.Message{Type: bus.TypeProcess, Tick: tick})
	}
	return nil
}

// ClaimRunnerUser pops one user runners still have to serve on tick.
func (c *Coordinator) ClaimRunnerUser(ctx context.Context, tick int64) (string, bool, error) {
	return c.pop(ctx, scriptClaimUser, keysFor(tick).runnerUsers())
}

// ClaimFinalizeExtra pops one room that received relayed intents on tick
// without being processed; the caller owes it a finalize.
func (c *Coordinator) ClaimFinalizeExtra(ctx context.Context, tick int64) (string, bool, error) {
	return c.pop(ctx, scriptClaimExtra, keysFor(tick).finalizeExtra())
}

func (c *Coordinator) pop(ctx context.Context, script storage.Script, key string) (string, bool, error) {
	var (
		member string
		ok     bool
	)
	err := c.store.Atomic(ctx, script, []string{key}, func(tx storage.Tx) (err error) {
		member, ok, err = tx.SPop(key)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("pop %s: %w", key, err)
	}
	return member, ok, nil
}

// PullRoomIntents takes the pending-intents list of a claimed room, in the order
// runners published it. It fails with ErrStaleClaim when the claim is no longer
// held.
func (c *Coordinator) PullRoomIntents(ctx context.Context, claim Claim) ([]intents.UserPayload, error) {
	k := keysFor(claim.Tick)
	var raw [][]byte
	err := c.store.Atomic(ctx, scriptPullIntents, []string{k.claimed(), k.intents(claim.Room)}, func(tx storage.Tx) error {
		epoch, ok, err := tx.ZScore(k.claimed(), claim.Room)
		if err != nil {
			return err
		}
		if !ok || int64(epoch) != claim.Epoch {
			return ErrStaleClaim
		}
		if raw, err = tx.LRange(k.intents(claim.Room)); err != nil {
			return err
		}
		_, err = tx.Del(k.intents(claim.Room))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pull intents of %s for tick %d: %w", claim.Room, claim.Tick, err)
	}

	out := make([]intents.UserPayload, 0, len(raw))
	for _, data := range raw {
		p, err := intents.DecodeUserPayload(data)
		if err != nil {
			c.logger.Error("undecodable payload dropped", log.Room(claim.Room), log.Tick(claim.Tick), log.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// PullInterRoomIntents takes the intents other rooms relayed to name on tick.
func (c *Coordinator) PullInterRoomIntents(ctx context.Context, tick int64, name string) ([]intents.Single, error) {
	key := keysFor(tick).relay(name)
	var raw [][]byte
	err := c.store.Atomic(ctx, scriptPullRelay, []string{key}, func(tx storage.Tx) (err error) {
		if raw, err = tx.LRange(key); err != nil {
			return err
		}
		_, err = tx.Del(key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pull relayed intents of %s for tick %d: %w", name, tick, err)
	}

	out := make([]intents.Single, 0, len(raw))
	for _, data := range raw {
		s, err := intents.DecodeSingle(data)
		if err != nil {
			c.logger.Error("undecodable relayed intent dropped", log.Room(name), log.Tick(tick), log.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func encodeRelays(relays map[string][]intents.Single) (map[string][][]byte, error) {
	out := make(map[string][][]byte, len(relays))
	for dest, list := range relays {
		if len(list) == 0 {
			continue
		}
		encoded := make([][]byte, 0, len(list))
		for _, s := range list {
			data, err := intents.EncodeSingle(s)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, data)
		}
		out[dest] = encoded
	}
	return out, nil
}
