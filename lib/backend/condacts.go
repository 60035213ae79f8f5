// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package backend

import (
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// MaxAtomicWriteSize is the maximum number of conditional actions that may
// be applied via a single atomic write.
const MaxAtomicWriteSize = 64

// ErrConditionFailed is returned from AtomicWrite when one or more
// conditions failed to hold.
var ErrConditionFailed = errors.New("condition failed")

// ConditionKind marks the kind of a condition.
type ConditionKind int

const (
	// KindWhatever indicates that no condition should be evaluated.
	KindWhatever ConditionKind = 1 + iota
	// KindExists asserts that an item exists at the target key.
	KindExists
	// KindNotExists asserts that no item exists at the target key.
	KindNotExists
	// KindRevision asserts the exact revision of the item at the target
	// key.
	KindRevision
)

// Condition specifies some requirement that a backend item must meet.
type Condition struct {
	// Kind is the kind of condition represented.
	Kind ConditionKind
	// Revision is a specific revision to be asserted (only used when
	// Kind is KindRevision).
	Revision string
}

// Whatever builds a condition that matches anything.
func Whatever() Condition {
	return Condition{Kind: KindWhatever}
}

// Exists builds a condition that asserts the target item exists.
func Exists() Condition {
	return Condition{Kind: KindExists}
}

// NotExists builds a condition that asserts the target item does not
// exist.
func NotExists() Condition {
	return Condition{Kind: KindNotExists}
}

// Revision builds a condition that asserts the target item has the given
// revision.
func Revision(r string) Condition {
	return Condition{Kind: KindRevision, Revision: r}
}

// ActionKind marks the kind of an action.
type ActionKind int

const (
	// KindNop indicates that no action should be taken.
	KindNop ActionKind = 1 + iota
	// KindPut indicates that the item should be written to the target
	// key.
	KindPut
	// KindDelete indicates that any item at the target key should be
	// removed.
	KindDelete
)

// Action specifies an action to be taken against a backend item.
type Action struct {
	// Kind is the kind of action represented.
	Kind ActionKind
	// Item is the item to be written (only used when Kind is KindPut).
	Item Item
}

// Nop builds an action that does nothing.
func Nop() Action {
	return Action{Kind: KindNop}
}

// Put builds an action that writes the provided item to the target key.
func Put(item Item) Action {
	return Action{Kind: KindPut, Item: item}
}

// Delete builds an action that removes the target key.
func Delete() Action {
	return Action{Kind: KindDelete}
}

// ConditionalAction specifies a condition and an action associated with a
// given key.
type ConditionalAction struct {
	// Key is the key against which the associated condition and action
	// are to be applied.
	Key []byte
	// Condition must hold for the overall atomic write to proceed.
	Condition Condition
	// Action is applied once every condition of the atomic write holds.
	Action Action
}

// Check verifies the basic validity of the conditional action.
func (c *ConditionalAction) Check() error {
	if len(c.Key) == 0 {
		return trace.BadParameter("conditional action missing key")
	}
	switch c.Condition.Kind {
	case KindWhatever, KindExists, KindNotExists:
	case KindRevision:
		if c.Condition.Revision == "" {
			return trace.BadParameter("conditional action missing revision")
		}
	default:
		return trace.BadParameter("unexpected condition kind %v", c.Condition.Kind)
	}
	switch c.Action.Kind {
	case KindNop, KindDelete:
	case KindPut:
		if len(c.Action.Item.Value) == 0 {
			return trace.BadParameter("conditional action missing value for put")
		}
	default:
		return trace.BadParameter("unexpected action kind %v", c.Action.Kind)
	}
	return nil
}

// ValidateAtomicWrite verifies a batch of conditional actions: size bounds,
// per-action validity, and that keys are not repeated.
func ValidateAtomicWrite(condacts []ConditionalAction) error {
	if len(condacts) == 0 {
		return trace.BadParameter("empty atomic write")
	}
	if len(condacts) > MaxAtomicWriteSize {
		return trace.BadParameter("too many conditional actions (%d > %d)", len(condacts), MaxAtomicWriteSize)
	}
	keys := make(map[string]struct{}, len(condacts))
	for i := range condacts {
		if err := condacts[i].Check(); err != nil {
			return trace.Wrap(err)
		}
		key := string(condacts[i].Key)
		if _, ok := keys[key]; ok {
			return trace.BadParameter("multiple conditional actions for key %q", key)
		}
		keys[key] = struct{}{}
	}
	return nil
}

// CreateRevision generates a new identifier to be used as a backend item
// revision.
func CreateRevision() string {
	return uuid.NewString()
}
