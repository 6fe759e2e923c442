package catalog

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Catalog is the immutable content registry. Items never change after Load;
// the only mutable state is the per-group rotation counter.
type Catalog struct {
	policies map[Category]Policy
	groups   map[groupKey][]Item

	mu       sync.Mutex
	rotation map[groupKey]uint64
	rng      *rand.Rand
}

type groupKey struct {
	category Category
	slot     string
}

func newCatalog() *Catalog {
	return &Catalog{
		policies: map[Category]Policy{},
		groups:   map[groupKey][]Item{},
		rotation: map[groupKey]uint64{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy reports the selection policy configured for a category.
func (c *Catalog) Policy(cat Category) Policy { return c.policies[cat] }

// SlotKeys lists the configured slots of a category, e.g. the promo link keys.
func (c *Catalog) SlotKeys(cat Category) []string {
	keys := make([]string, 0, 4)
	for k := range c.groups {
		if k.category == cat {
			keys = append(keys, k.slot)
		}
	}
	return keys
}

// Resolve picks one item for the category according to its policy.
//
// For PolicyDaypartBucket the slot is derived from ctx.Now; for the other
// policies ctx.SlotKey selects the group (it may be empty when the category
// has a single unnamed slot). The rotation counter is the only side effect.
func (c *Catalog) Resolve(cat Category, ctx ResolveContext) (Item, error) {
	pol, ok := c.policies[cat]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNoContent, cat)
	}

	slot := ctx.SlotKey
	if pol == PolicyDaypartBucket {
		now := ctx.Now
		if now.IsZero() {
			now = time.Now()
		}
		slot = string(DaypartOf(now))
	}

	key := groupKey{category: cat, slot: slot}
	variants := c.groups[key]
	if len(variants) == 0 {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNoContent, cat, slot)
	}

	var idx int
	switch pol {
	case PolicyFixedRotation:
		c.mu.Lock()
		n := c.rotation[key]
		c.rotation[key] = n + 1
		c.mu.Unlock()
		idx = int(n % uint64(len(variants)))
	default: // uniform within the group (covers random and daypart policies)
		idx = c.pick(len(variants), ctx.Seed)
	}
	return variants[idx], nil
}

func (c *Catalog) pick(n int, seed *int64) int {
	if n <= 1 {
		return 0
	}
	if seed != nil {
		return rand.New(rand.NewSource(*seed)).Intn(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Intn(n)
}

// RotationCount reports prior fixed-rotation resolutions for a group.
func (c *Catalog) RotationCount(cat Category, slot string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotation[groupKey{category: cat, slot: slot}]
}

// HasContent reports whether a resolution for the category/slot pair can
// ever produce an item. Daypart categories ignore the slot and need every
// time-of-day bucket populated, since a rule for them fires year round.
func (c *Catalog) HasContent(cat Category, slot string) bool {
	if c.policies[cat] == PolicyDaypartBucket {
		for _, dp := range []Daypart{DaypartMorning, DaypartAfternoon, DaypartEvening, DaypartNight} {
			if len(c.groups[groupKey{category: cat, slot: string(dp)}]) == 0 {
				return false
			}
		}
		return true
	}
	return len(c.groups[groupKey{category: cat, slot: slot}]) > 0
}

// Validate fails if any configured category or slot ends up empty. Run at
// startup so ErrNoContent never surfaces during a dispatch cycle.
func (c *Catalog) Validate() error {
	if len(c.groups) == 0 {
		return fmt.Errorf("%w: catalog is empty", ErrNoContent)
	}
	for key, variants := range c.groups {
		if len(variants) == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNoContent, key.category, key.slot)
		}
	}
	for cat, pol := range c.policies {
		switch pol {
		case PolicyUniformRandom, PolicyFixedRotation, PolicyDaypartBucket:
		default:
			return fmt.Errorf("category %s: unknown policy %q", cat, pol)
		}
		if len(c.SlotKeys(cat)) == 0 {
			return fmt.Errorf("%w: category %s declares no slots", ErrNoContent, cat)
		}
	}
	return nil
}
