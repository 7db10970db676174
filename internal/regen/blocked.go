package regen

import "github.com/jo-hoe/scenecast/internal/script"

// BlockedSet holds every script variant known to have failed for one job,
// in insertion order.
type BlockedSet struct {
	index   map[script.Fingerprint]int
	scripts []string
}

// NewBlockedSet returns an empty set.
func NewBlockedSet() *BlockedSet {
	return &BlockedSet{index: make(map[script.Fingerprint]int)}
}

// Add records src and reports whether it was new.
func (b *BlockedSet) Add(src string) bool {
	fp := script.FingerprintOf(src)
	if _, ok := b.index[fp]; ok {
		return false
	}
	b.index[fp] = len(b.scripts)
	b.scripts = append(b.scripts, src)
	return true
}

// Has reports whether fp is blocked.
func (b *BlockedSet) Has(fp script.Fingerprint) bool {
	_, ok := b.index[fp]
	return ok
}

// Len returns the number of blocked variants.
func (b *BlockedSet) Len() int { return len(b.scripts) }

// Scripts returns the blocked scripts, oldest first.
func (b *BlockedSet) Scripts() []string {
	return append([]string(nil), b.scripts...)
}
