package catalog

import (
	"errors"
	"fmt"
	"sort"

	"gateflow/internal/config"
	"gateflow/internal/domain"
)

// The nine canonical gates. The catalog must contain all of them, form a
// DAG from the single entry gate to the single terminal gate, and be
// cycle-free. Validated once at load time; read-only afterwards.
var canonicalGates = []string{
	"product.discovery",
	"product.prd",
	"agile.planning",
	"code.implement",
	"code.review",
	"qa.ready",
	"qa.contract",
	"qa.e2e",
	"pm.sync",
}

var ErrGateNotFound = errors.New("gate not found")

type Catalog struct {
	gates    map[string]domain.GateDef
	next     map[string][]string
	entry    string
	terminal string
}

// FromConfig builds and validates a catalog from workspace config.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		gates: make(map[string]domain.GateDef, len(cfg.Gates)),
		next:  make(map[string][]string),
	}
	for id, spec := range cfg.Gates {
		c.gates[id] = domain.GateDef{
			ID:              id,
			Ordinal:         spec.Ordinal,
			OwnerRole:       spec.Owner,
			SupportingRoles: append([]string(nil), spec.Supporting...),
			Prerequisites:   append([]string(nil), spec.After...),
			RequiredKinds:   append([]string(nil), spec.Require...),
		}
		for _, p := range spec.After {
			c.next[p] = append(c.next[p], id)
		}
	}
	for id := range c.next {
		sort.Slice(c.next[id], func(i, j int) bool {
			return c.gates[c.next[id][i]].Ordinal < c.gates[c.next[id][j]].Ordinal
		})
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the gate definition for id.
func (c *Catalog) Lookup(id string) (domain.GateDef, error) {
	g, ok := c.gates[id]
	if !ok {
		return domain.GateDef{}, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}
	return g, nil
}

// PrerequisitesOf returns the gates that must precede id.
func (c *Catalog) PrerequisitesOf(id string) ([]string, error) {
	g, err := c.Lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), g.Prerequisites...), nil
}

// NextGates returns the gates reachable directly from id, ordinal order.
// Usually a singleton; more than one only where branches diverge.
func (c *Catalog) NextGates(id string) ([]string, error) {
	if _, err := c.Lookup(id); err != nil {
		return nil, err
	}
	return append([]string(nil), c.next[id]...), nil
}

// Entry returns the single gate with no prerequisites.
func (c *Catalog) Entry() string { return c.entry }

// Terminal returns the single gate with no successors.
func (c *Catalog) Terminal() string { return c.terminal }

// Gates returns all gate definitions in ordinal order.
func (c *Catalog) Gates() []domain.GateDef {
	out := make([]domain.GateDef, 0, len(c.gates))
	for _, g := range c.gates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (c *Catalog) validate() error {
	for _, id := range canonicalGates {
		if _, ok := c.gates[id]; !ok {
			return fmt.Errorf("catalog missing canonical gate %s", id)
		}
	}
	var entries, terminals []string
	for id, g := range c.gates {
		if len(g.Prerequisites) == 0 {
			entries = append(entries, id)
		}
		if len(c.next[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	if len(entries) != 1 {
		return fmt.Errorf("catalog must have exactly one entry gate, found %d", len(entries))
	}
	if len(terminals) != 1 {
		return fmt.Errorf("catalog must have exactly one terminal gate, found %d", len(terminals))
	}
	c.entry = entries[0]
	c.terminal = terminals[0]

	// cycle check: DFS with colors
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(c.gates))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("catalog contains a cycle through gate %s", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, nxt := range c.next[id] {
			if err := visit(nxt); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	if err := visit(c.entry); err != nil {
		return err
	}
	for id := range c.gates {
		if color[id] != black {
			return fmt.Errorf("gate %s not reachable from entry gate %s", id, c.entry)
		}
	}
	return nil
}
