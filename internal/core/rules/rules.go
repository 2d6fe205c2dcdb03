// Package rules holds the built-in game rules: the object kinds the engine knows
// and the intent handlers and upkeep hooks registered against them.
package rules

import (
	"errors"

	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/room"
)

// Kind names registered on top of intents.KindRoom and intents.KindObject.
const (
	KindCreep     = room.KindCreep
	KindStructure = "structure"
)

// Intent names.
const (
	IntentMove         = "move"
	IntentExit         = "exit"
	IntentSay          = "say"
	IntentSuicide      = "suicide"
	IntentCreateFlag   = "createFlag"
	IntentRemoveFlag   = "removeFlag"
	IntentImportObject = "importObject"
)

// Constraint groups.
const (
	GroupLocomotion = "locomotion"
	GroupSpeech     = "speech"
)

// Event types written to the room event log.
const (
	EventDeath  = "death"
	EventExit   = "exit"
	EventImport = "import"
	EventSay    = "say"
)

// Register defines the built-in kinds and registers every built-in handler and
// hook on reg.
func Register(reg *intents.Registry) error {
	err := errors.Join(
		reg.DefineKind(KindCreep, intents.KindObject),
		reg.DefineKind(KindStructure, intents.KindObject),
	)
	for _, kind := range []string{room.KindWall, room.KindSpawn, room.KindRoad, room.KindContainer} {
		err = errors.Join(err, reg.DefineKind(kind, KindStructure))
	}
	if err != nil {
		return err
	}

	handlers := []intents.Handler{
		{Receiver: KindCreep, Intent: IntentMove, Groups: []string{GroupLocomotion}, Fn: creepMove},
		{Receiver: KindCreep, Intent: IntentExit, Groups: []string{GroupLocomotion}, Before: []string{IntentMove}, Fn: creepExit},
		{Receiver: KindCreep, Intent: IntentSay, Groups: []string{GroupSpeech}, Fn: creepSay},
		{Receiver: KindCreep, Intent: IntentSuicide, After: []string{IntentMove, IntentExit, IntentSay}, Fn: creepSuicide},
		{Receiver: intents.KindRoom, Intent: IntentCreateFlag, Fn: roomCreateFlag},
		{Receiver: intents.KindRoom, Intent: IntentRemoveFlag, Before: []string{IntentCreateFlag}, Fn: roomRemoveFlag},
		{Receiver: intents.KindRoom, Intent: IntentImportObject, Fn: roomImportObject},
	}
	for _, h := range handlers {
		if err = reg.Register(h); err != nil {
			return err
		}
	}

	return errors.Join(
		reg.PreTick(KindCreep, recoverFatigue),
		reg.PreTick(KindCreep, clearSaying),
		reg.PostTick(KindCreep, age),
		reg.RoomTick(expireSafeMode),
	)
}

// NewRegistry returns a built registry holding the built-in rules.
func NewRegistry() (*intents.Registry, error) {
	reg := intents.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Build(); err != nil {
		return nil, err
	}
	return reg, nil
}
