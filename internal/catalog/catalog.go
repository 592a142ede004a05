// Package catalog is the Token Catalog (C1): an immutable, in-memory map of
// token id to metadata, loaded once (and reloadable in full) from a YAML
// document. Unknown tokens are a first-class outcome for callers, not an
// error — the pipeline turns them into error-status transactions with the
// message "Invalid token".
package catalog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// MemoryType is the closed set of token categories from spec.md §3.
type MemoryType string

const (
	Personal  MemoryType = "Personal"
	Business  MemoryType = "Business"
	Technical MemoryType = "Technical"
)

// MediaAssets are the optional asset refs a token may carry.
type MediaAssets struct {
	Video            string `yaml:"video,omitempty" json:"video,omitempty"`
	Image            string `yaml:"image,omitempty" json:"image,omitempty"`
	Audio            string `yaml:"audio,omitempty" json:"audio,omitempty"`
	ProcessingImage  string `yaml:"processingImage,omitempty" json:"processingImage,omitempty"`
}

// Token is immutable token metadata, per spec.md §3.
type Token struct {
	ID          string      `yaml:"id" json:"id"`
	MemoryType  MemoryType  `yaml:"memoryType" json:"memoryType"`
	ValueRating int         `yaml:"valueRating" json:"valueRating"`
	Group       string      `yaml:"group,omitempty" json:"group,omitempty"`
	MediaAssets MediaAssets `yaml:"mediaAssets,omitempty" json:"mediaAssets,omitempty"`
	DurationSec int         `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// HasVideo reports whether this token triggers video playback.
func (t Token) HasVideo() bool { return t.MediaAssets.Video != "" }

type document struct {
	Tokens    []Token            `yaml:"tokens"`
	Groups    map[string]int     `yaml:"groups"`
	ScoreTable map[string]int    `yaml:"scoreTable"`
}

// Catalog is the immutable-after-load, read-mostly token catalog.
type Catalog struct {
	log hclog.Logger

	mu         sync.RWMutex
	tokens     map[string]Token
	groups     map[string][]string // group -> token ids, derived
	groupBonus map[string]int      // group -> bonus points
	scoreTable map[string]int      // "MemoryType:rating" -> points
	lastUpdate int64
}

// New creates an empty catalog; call Load (or Reload) before use.
func New(log hclog.Logger) *Catalog {
	return &Catalog{
		log:        log,
		tokens:     make(map[string]Token),
		groups:     make(map[string][]string),
		groupBonus: make(map[string]int),
		scoreTable: make(map[string]int),
	}
}

// Load reads the primary path, falling back to fallbackPath on failure.
// A load failure on both is returned; the caller (main) decides whether
// to boot with an empty catalog or exit, per spec.md §4.1's resilience
// stance ("Unknown tokens are a first-class outcome, not an error").
func (c *Catalog) Load(path, fallbackPath string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if fallbackPath == "" {
			return fmt.Errorf("reading token catalog %s: %w", path, err)
		}
		c.log.Warn("primary token catalog unavailable, using fallback", "path", path, "error", err)
		data, err = os.ReadFile(fallbackPath)
		if err != nil {
			return fmt.Errorf("reading fallback token catalog %s: %w", fallbackPath, err)
		}
	}
	return c.loadFromBytes(data)
}

// Reload rebuilds the catalog from the given bytes under the write lock.
// Reload is always a full rebuild, never partial, per spec.md §4.1.
func (c *Catalog) Reload(data []byte) error {
	return c.loadFromBytes(data)
}

func (c *Catalog) loadFromBytes(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing token catalog: %w", err)
	}

	tokens := make(map[string]Token, len(doc.Tokens))
	groups := make(map[string][]string)
	for _, t := range doc.Tokens {
		if t.ID == "" {
			return fmt.Errorf("token catalog entry missing id")
		}
		tokens[t.ID] = t
		if t.Group != "" {
			groups[t.Group] = append(groups[t.Group], t.ID)
		}
	}

	groupBonus := make(map[string]int, len(doc.Groups))
	for g, bonus := range doc.Groups {
		groupBonus[g] = bonus
	}
	for g := range groups {
		if _, ok := groupBonus[g]; !ok {
			c.log.Warn("token group has no bonus policy entry, defaulting to 0", "group", g)
			groupBonus[g] = 0
		}
	}

	c.mu.Lock()
	c.tokens = tokens
	c.groups = groups
	c.groupBonus = groupBonus
	c.scoreTable = doc.ScoreTable
	c.lastUpdate = time.Now().Unix()
	c.mu.Unlock()

	c.log.Info("token catalog loaded", "tokens", len(tokens), "groups", len(groups))
	return nil
}

// Lookup returns the token for an id, or ok=false if unknown.
func (c *Catalog) Lookup(tokenID string) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[tokenID]
	return t, ok
}

// All returns every loaded token.
func (c *Catalog) All() []Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, t)
	}
	return out
}

// GroupMembers returns the token ids belonging to a group.
func (c *Catalog) GroupMembers(group string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := c.groups[group]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// GroupBonus returns the bonus points awarded for completing a group.
func (c *Catalog) GroupBonus(group string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupBonus[group]
}

// ScoreFor is the deterministic score table lookup from spec.md §4.5:
// points are a pure function of (memoryType, valueRating).
func (c *Catalog) ScoreFor(memoryType MemoryType, valueRating int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := fmt.Sprintf("%s:%d", memoryType, valueRating)
	return c.scoreTable[key]
}

// Count returns the number of loaded tokens, for /api/tokens.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}

// LastUpdate returns when the catalog was last loaded or reloaded, for
// /api/tokens's lastUpdate field.
func (c *Catalog) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdate == 0 {
		return time.Time{}
	}
	return time.Unix(c.lastUpdate, 0)
}
