package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rangerepair/pkg/nodetool"
)

type fakeRunner struct {
	responses map[string]nodetool.Result
}

func (f fakeRunner) Run(_ context.Context, argv []string) (nodetool.Result, error) {
	for _, a := range argv {
		if res, ok := f.responses[a]; ok {
			return res, nil
		}
	}
	return nodetool.Result{Success: false, Stderr: "unmapped command"}, nil
}

func TestDiscoverSigned64Regime(t *testing.T) {
	runner := fakeRunner{responses: map[string]nodetool.Result{
		"ring": {Success: true, Stdout: "\n\n\n\n" +
			"10.0.0.1  rack1       Up     Normal  100 KB     33.3%   -100\n" +
			"10.0.0.2  rack1       Up     Normal  100 KB     33.3%   0\n" +
			"10.0.0.3  rack1       Up     Normal  100 KB     33.3%   100\n"},
		"-T": {Success: true, Stdout: "Token            : 0\n"},
	}}

	ring, err := Discover(context.Background(), runner, DiscoveryConfig{NodetoolPath: "nodetool", Port: 7199})
	require.NoError(t, err)
	assert.Equal(t, Signed64, ring.Regime)
	assert.Len(t, ring.RingTokens, 3)
	assert.Equal(t, big.NewInt(0), ring.HostTokens[0])
}

func TestDiscoverUnsigned128Regime(t *testing.T) {
	runner := fakeRunner{responses: map[string]nodetool.Result{
		"ring": {Success: true, Stdout: "\n\n\n\n" +
			"10.0.0.1  rack1       Up     Normal  100 KB     33.3%   5\n"},
		"-T": {Success: true, Stdout: "Token            : 5\n"},
	}}

	ring, err := Discover(context.Background(), runner, DiscoveryConfig{NodetoolPath: "nodetool", Port: 7199})
	require.NoError(t, err)
	assert.Equal(t, Unsigned128, ring.Regime)
}

func TestDiscoverFailurePropagates(t *testing.T) {
	runner := fakeRunner{responses: map[string]nodetool.Result{
		"ring": {Success: false, Stderr: "connection refused"},
	}}

	_, err := Discover(context.Background(), runner, DiscoveryConfig{NodetoolPath: "nodetool", Port: 7199})
	assert.ErrorIs(t, err, ErrRingDiscovery)
}

func TestFormat(t *testing.T) {
	signed := &TokenRing{Regime: Signed64}
	assert.Equal(t, "+00000000000000000042", signed.Format(big.NewInt(42)))
	assert.Equal(t, "-00000000000000000042", signed.Format(big.NewInt(-42)))

	unsigned := &TokenRing{Regime: Unsigned128}
	assert.Equal(t, "000000000000000000000000000000000000042", unsigned.Format(big.NewInt(42)))
}

func TestGetPrecedingToken(t *testing.T) {
	ring := &TokenRing{RingTokens: []*big.Int{
		big.NewInt(-100), big.NewInt(0), big.NewInt(100),
	}}

	assert.Equal(t, big.NewInt(0), ring.GetPrecedingToken(big.NewInt(100)))
	assert.Equal(t, big.NewInt(100), ring.GetPrecedingToken(big.NewInt(-100)), "wrap-around: the ring minimum precedes from the ring maximum")
}

func TestSubRangeGeneratorNonWrapping(t *testing.T) {
	ring := &TokenRing{Regime: Signed64, rangeMin: signed64Min, rangeMax: signed64Max}
	subs := ring.SubRangeGenerator(big.NewInt(0), big.NewInt(100), 4)

	require.Len(t, subs, 4)
	assert.Equal(t, ring.Format(big.NewInt(0)), subs[0].Start)
	assert.Equal(t, ring.Format(big.NewInt(100)), subs[len(subs)-1].End)
	for i, s := range subs {
		assert.Equal(t, i+1, s.Step)
	}
}

func TestSubRangeGeneratorTooFewStepsCollapses(t *testing.T) {
	ring := &TokenRing{Regime: Signed64, rangeMin: signed64Min, rangeMax: signed64Max}
	subs := ring.SubRangeGenerator(big.NewInt(0), big.NewInt(2), 4)

	require.Len(t, subs, 1)
	assert.Equal(t, 1, subs[0].Step)
}

// TestSubRangeGeneratorWrapping exercises Scenario F: wrap-around across
// the ring boundary must still yield exactly steps slices.
func TestSubRangeGeneratorWrapping(t *testing.T) {
	ring := &TokenRing{Regime: Signed64, rangeMin: signed64Min, rangeMax: signed64Max}
	start := new(big.Int).Sub(signed64Max, big.NewInt(100))
	stop := new(big.Int).Add(signed64Min, big.NewInt(100))

	subs := ring.SubRangeGenerator(start, stop, 4)

	require.Len(t, subs, 4)
	assert.Equal(t, ring.Format(stop), subs[len(subs)-1].End)
}
