// Package token models the token ring of a vnode-partitioned cluster: ring
// membership, the tokens a target node owns, and the arithmetic needed to
// subdivide an owned range into small repair slices.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/rangerepair/pkg/nodetool"
)

// ErrRingDiscovery is returned when any of the three nodetool invocations
// used to build a TokenRing fails or produces output that cannot be parsed.
var ErrRingDiscovery = errors.New("token: ring discovery failed")

// Regime distinguishes the two token layouts a cluster may use, detected
// from the sign of the first discovered ring token.
type Regime int

const (
	// Signed64 is the Murmur3-partitioner regime: signed 64-bit tokens.
	Signed64 Regime = iota
	// Unsigned128 is the RandomPartitioner regime: unsigned 128-bit tokens.
	Unsigned128
)

var (
	signed64Min    = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 63))
	signed64Max    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 63), big.NewInt(1))
	unsigned128Min = big.NewInt(0)
	unsigned128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// SubRange is one contiguous, formatted sub-range yielded by
// SubRangeGenerator. Step is 1-based and monotone within a single call.
type SubRange struct {
	Start string
	End   string
	Step  int
}

// DiscoveryConfig carries everything Discover needs to talk to the admin
// CLI for a single target node.
type DiscoveryConfig struct {
	NodetoolPath string
	Host         string
	Port         int
	Datacenter   string
}

// TokenRing is the ring model for one target node: the tokens every "Up"
// ring member owns, the subset owned by the target node, and (if a
// datacenter filter was requested) the addresses considered local. It is
// immutable after Discover returns.
type TokenRing struct {
	RingTokens []*big.Int
	HostTokens []*big.Int
	LocalNodes []string
	Regime     Regime

	rangeMin *big.Int
	rangeMax *big.Int
}

// Discover runs the three nodetool invocations described in the component
// design (gossipinfo, ring, info -T), in that order, and assembles a
// TokenRing. A datacenter filter is skipped entirely when cfg.Datacenter is
// empty, matching the original's "no datacenter, every member is local"
// behavior.
func Discover(ctx context.Context, runner nodetool.Runner, cfg DiscoveryConfig) (*TokenRing, error) {
	ring := &TokenRing{Regime: Signed64, rangeMin: signed64Min, rangeMax: signed64Max}

	if cfg.Datacenter != "" {
		nodes, err := discoverLocalNodes(ctx, runner, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRingDiscovery, err)
		}
		ring.LocalNodes = nodes
	}

	ringTokens, err := discoverRingTokens(ctx, runner, cfg, ring.LocalNodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRingDiscovery, err)
	}
	ring.RingTokens = ringTokens

	hostTokens, err := discoverHostTokens(ctx, runner, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRingDiscovery, err)
	}
	ring.HostTokens = hostTokens

	// First ring token decides the partitioner regime. Murmur3 tokens are
	// always negative for a cluster of any real size; a non-negative first
	// token means RandomPartitioner.
	if len(ring.RingTokens) > 0 && ring.RingTokens[0].Sign() >= 0 {
		ring.Regime = Unsigned128
		ring.rangeMin = unsigned128Min
		ring.rangeMax = unsigned128Max
	}

	return ring, nil
}

func buildArgv(cfg DiscoveryConfig, args ...string) []string {
	argv := []string{cfg.NodetoolPath, "-h", cfg.Host, "-p", strconv.Itoa(cfg.Port)}
	return append(argv, args...)
}

func discoverLocalNodes(ctx context.Context, runner nodetool.Runner, cfg DiscoveryConfig) ([]string, error) {
	res, err := runner.Run(ctx, buildArgv(cfg, "gossipinfo"))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("gossipinfo: %s", res.Stderr)
	}

	pattern := regexp.MustCompile(`DC(?::\d+)?:` + regexp.QuoteMeta(cfg.Datacenter))
	var nodes []string
	for _, paragraph := range strings.Split(res.Stdout, "/") {
		if !pattern.MatchString(paragraph) {
			continue
		}
		fields := strings.Fields(paragraph)
		if len(fields) == 0 {
			continue
		}
		nodes = append(nodes, fields[0])
	}
	return nodes, nil
}

func discoverRingTokens(ctx context.Context, runner nodetool.Runner, cfg DiscoveryConfig, localNodes []string) ([]*big.Int, error) {
	res, err := runner.Run(ctx, buildArgv(cfg, "ring"))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("ring: %s", res.Stderr)
	}

	local := make(map[string]bool, len(localNodes))
	for _, n := range localNodes {
		local[n] = true
	}

	lines := strings.Split(res.Stdout, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	} else {
		lines = nil
	}

	var tokens []*big.Int
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) != 8 || fields[3] == "Joining" {
			if len(fields) == 7 && (strings.HasSuffix(fields[1], "Up") || strings.HasSuffix(fields[1], "Down")) {
				status := "Down"
				if strings.HasSuffix(fields[1], "Up") {
					status = "Up"
				}
				rack := strings.TrimSuffix(fields[1], status)
				rebuilt := make([]string, 0, len(fields)+1)
				rebuilt = append(rebuilt, fields[0], rack, status)
				rebuilt = append(rebuilt, fields[2:]...)
				fields = rebuilt
			} else {
				continue
			}
		}

		if cfg.Datacenter != "" && !local[fields[0]] {
			continue
		}

		t, ok := new(big.Int).SetString(fields[len(fields)-1], 10)
		if !ok {
			continue
		}
		tokens = append(tokens, t)
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	return tokens, nil
}

func discoverHostTokens(ctx context.Context, runner nodetool.Runner, cfg DiscoveryConfig) ([]*big.Int, error) {
	res, err := runner.Run(ctx, buildArgv(cfg, "info", "-T"))
	if err != nil {
		return nil, err
	}
	if !res.Success || !strings.Contains(res.Stdout, "Token") {
		return nil, fmt.Errorf("info -T: %s", res.Stderr)
	}

	var tokens []*big.Int
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.HasPrefix(line, "Token") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		t, ok := new(big.Int).SetString(fields[len(fields)-1], 10)
		if !ok {
			continue
		}
		tokens = append(tokens, t)
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	return tokens, nil
}

// Format renders a token according to the ring's detected regime: signed
// decimal zero-padded to width 21 (including sign) for Signed64, unsigned
// decimal zero-padded to width 39 for Unsigned128.
func (r *TokenRing) Format(t *big.Int) string {
	if r.Regime == Unsigned128 {
		return fmt.Sprintf("%039d", t)
	}
	return fmt.Sprintf("%+021d", t)
}

// GetPrecedingToken returns the largest ring token strictly less than t, or
// the largest ring token overall if t is the ring minimum (wrap-around).
func (r *TokenRing) GetPrecedingToken(t *big.Int) *big.Int {
	for i := len(r.RingTokens) - 1; i >= 0; i-- {
		if t.Cmp(r.RingTokens[i]) > 0 {
			return r.RingTokens[i]
		}
	}
	return r.RingTokens[len(r.RingTokens)-1]
}

// SubRangeGenerator splits (start, stop] into up to steps contiguous
// sub-ranges. stop <= start is the wrap-around case, where the conceptual
// range runs start..rangeMax then rangeMin..stop.
func (r *TokenRing) SubRangeGenerator(start, stop *big.Int, steps int) []SubRange {
	if steps < 1 {
		steps = 1
	}

	wrap := stop.Cmp(start) <= 0

	var distance *big.Int
	if !wrap {
		distance = new(big.Int).Sub(stop, start)
	} else {
		distance = new(big.Int).Add(new(big.Int).Sub(r.rangeMax, start), new(big.Int).Sub(stop, r.rangeMin))
	}

	if distance.Cmp(big.NewInt(int64(steps-1))) <= 0 {
		return []SubRange{{Start: r.Format(start), End: r.Format(stop), Step: 1}}
	}

	inc := new(big.Int).Quo(distance, big.NewInt(int64(steps)))

	var nums []*big.Int
	if !wrap {
		cur := new(big.Int).Set(start)
		for cur.Cmp(stop) < 0 && len(nums) < steps {
			nums = append(nums, new(big.Int).Set(cur))
			cur.Add(cur, inc)
		}
	} else {
		cur := new(big.Int).Set(start)
		for cur.Cmp(r.rangeMax) < 0 {
			nums = append(nums, new(big.Int).Set(cur))
			cur.Add(cur, inc)
		}
		cur = new(big.Int).Set(r.rangeMin)
		for cur.Cmp(stop) < 0 {
			nums = append(nums, new(big.Int).Set(cur))
			cur.Add(cur, inc)
		}
		if len(nums) > steps {
			nums = nums[:steps]
		}
	}

	nums = append(nums, stop)

	result := make([]SubRange, 0, len(nums)-1)
	for i := 0; i < len(nums)-1; i++ {
		result = append(result, SubRange{Start: r.Format(nums[i]), End: r.Format(nums[i+1]), Step: i + 1})
	}
	return result
}
