package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Category groups content by its role in the delivery schedule.
type Category string

const (
	CategoryGreeting Category = "greeting"
	CategoryPromo    Category = "promo"
	CategoryFollowUp Category = "followup"
)

// Policy decides which variant a resolution picks.
type Policy string

const (
	// PolicyUniformRandom picks any variant with equal probability.
	PolicyUniformRandom Policy = "uniform_random"
	// PolicyFixedRotation cycles variants in order using a counter owned
	// by the catalog.
	PolicyFixedRotation Policy = "fixed_rotation"
	// PolicyDaypartBucket derives the slot from the local hour and picks
	// uniformly inside that bucket.
	PolicyDaypartBucket Policy = "daypart_bucket"
)

// Action is an optional inline button attached to an item.
type Action struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
}

// Item is one immutable piece of deliverable content.
type Item struct {
	Category     Category
	SlotKey      string
	VariantIndex int
	Body         string
	Action       *Action
}

// Ref identifies an item compactly for delivery records.
func (it Item) Ref() string {
	return fmt.Sprintf("%s/%s#%d", it.Category, it.SlotKey, it.VariantIndex)
}

// ErrNoContent means a category/slot has zero variants. With a validated
// catalog this is a startup-time configuration defect only.
var ErrNoContent = errors.New("no content for category")

// Daypart is the local-hour bucket used by PolicyDaypartBucket.
type Daypart string

const (
	DaypartMorning   Daypart = "morning"
	DaypartAfternoon Daypart = "afternoon"
	DaypartEvening   Daypart = "evening"
	DaypartNight     Daypart = "night"
)

// DaypartOf buckets a local time: [5,12) morning, [12,17) afternoon,
// [17,21) evening, otherwise night.
func DaypartOf(t time.Time) Daypart {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return DaypartMorning
	case h >= 12 && h < 17:
		return DaypartAfternoon
	case h >= 17 && h < 21:
		return DaypartEvening
	default:
		return DaypartNight
	}
}

// ResolveContext carries the inputs a selection policy may need.
// Seed, when non-nil, makes random policies deterministic (tests).
type ResolveContext struct {
	Now     time.Time
	SlotKey string
	Seed    *int64
}
