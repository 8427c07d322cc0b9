// Package exclude decides whether a repair slice should be skipped
// entirely, partially skipped, or fully repaired, and enumerates keyspaces
// by parsing the admin CLI's cfstats output.
package exclude

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/rangerepair/pkg/nodetool"
)

// Kind is the outcome of checking a slice against the exclusion list.
type Kind int

const (
	// None means the slice is not excluded.
	None Kind = iota
	// Slice means the whole slice is excluded; the driver skips it.
	Slice
	// Keyspace means only one keyspace within an otherwise all-keyspace
	// slice is excluded; the driver must enumerate keyspaces and repair
	// the rest individually.
	Keyspace
)

// Rule is one exclusion record. Keyspace and ColumnFamily are optional
// (empty string means "not set").
type Rule struct {
	Keyspace     string
	ColumnFamily string
	Node         string
	Step         int
}

// Check tests a slice's (nodePosition, step, keyspace) against rules in
// order and returns the first match. nodePosition is "i/N"; only the
// 1-based index before the slash is compared against Rule.Node.
func Check(rules []Rule, nodePosition string, step int, keyspace string) (Kind, *Rule) {
	currentNode := strings.SplitN(nodePosition, "/", 2)[0]

	for i := range rules {
		rule := rules[i]
		if rule.Node != currentNode || rule.Step != step {
			continue
		}

		switch {
		case rule.Keyspace != "" && keyspace != "" && keyspace == rule.Keyspace:
			return Slice, &rule
		case rule.Keyspace != "" && keyspace == "":
			return Keyspace, &rule
		case rule.Keyspace == "":
			return Slice, &rule
		}
		// rule.Keyspace set but differs from the configured keyspace:
		// this rule doesn't apply, keep scanning.
	}

	return None, nil
}

// EnumerateKeyspaces runs argv (expected to invoke "cfstats") and parses
// its output into keyspace -> ordered table list.
func EnumerateKeyspaces(ctx context.Context, runner nodetool.Runner, argv []string) (map[string][]string, error) {
	res, err := runner.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("cfstats: %s", res.Stderr)
	}

	keyspaces := make(map[string][]string)
	var current string
	for _, line := range strings.Split(res.Stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "Keyspace: "):
			current = strings.TrimPrefix(line, "Keyspace: ")
			keyspaces[current] = nil
		case strings.HasPrefix(line, "\t\tTable: "):
			table := strings.TrimPrefix(line, "\t\tTable: ")
			keyspaces[current] = append(keyspaces[current], table)
		}
	}
	return keyspaces, nil
}
