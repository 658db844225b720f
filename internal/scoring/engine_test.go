package scoring

import (
	"context"
	"reflect"
	"testing"
	"time"

	"relay-distribution/internal/geo"
	"relay-distribution/internal/relays"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type fakeRelays []relays.Relay

func (f fakeRelays) Relays(context.Context) []relays.Relay { return f }

type fakeRegistry struct {
	addresses map[string]string
	hardware  map[string]bool
}

func (f fakeRegistry) Verification(context.Context) (map[string]string, map[string]bool) {
	return f.addresses, f.hardware
}

// fakeLocator maps the host part of an address to a cell.
type fakeLocator map[string]string

func (f fakeLocator) Cell(addr string) string {
	if c, ok := f[addr]; ok {
		return c
	}
	return geo.UnknownCell
}

type fakeUptime struct {
	streaks   map[string]int
	streakErr error
	tickErr   error
	ticked    []string
	tickedAt  time.Time
}

func (f *fakeUptime) CurrentStreaks(context.Context, time.Time) (map[string]int, error) {
	return f.streaks, f.streakErr
}

func (f *fakeUptime) RecordTicks(_ context.Context, at time.Time, fps []string) error {
	f.ticked = fps
	f.tickedAt = at
	return f.tickErr
}

func relay(fp string, running bool, weight int64, addr string) relays.Relay {
	return relays.Relay{Fingerprint: fp, Running: running, ConsensusWeight: weight, ORAddresses: []string{addr}}
}

const stamp = int64(1_778_400_000_000)

func TestCompute_Eligibility(t *testing.T) {
	up := &fakeUptime{}
	e := NewEngine(
		fakeRelays{
			relay("A", true, 5, "1.1.1.1:9001"),
			relay("B", false, 5, "2.2.2.2:9001"),
			relay("C", true, 0, "3.3.3.3:9001"),
			relay("D", true, 5, "4.4.4.4:9001"),
		},
		fakeRegistry{addresses: map[string]string{"A": "0x1", "B": "0x2", "C": "0x3", "D": ""}},
		fakeLocator{},
		up,
		zerolog.Nop(),
	)

	records, err := e.Compute(context.Background(), stamp)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, Fingerprints(records))
	require.Equal(t, ScoreRecord{Fingerprint: "A", Address: "0x1", Network: 5}, records[0])

	require.Equal(t, []string{"A"}, up.ticked)
	require.Equal(t, time.UnixMilli(stamp).UTC(), up.tickedAt)
}

func TestCompute_LocationSize(t *testing.T) {
	e := NewEngine(
		fakeRelays{
			relay("A", true, 1, "10.0.0.1:9001"),
			relay("B", true, 1, "10.0.0.2:9001"),
			relay("C", true, 1, "10.0.0.3:9001"),
			// verified but not running, still shares the cell of A and B
			relay("D", false, 1, "10.0.0.4:9001"),
			// unverified relays never count toward a cell
			relay("E", true, 1, "10.0.0.5:9001"),
			relay("F", true, 1, "10.0.0.6:9001"),
			relay("G", true, 1, "10.0.0.7:9001"),
		},
		fakeRegistry{addresses: map[string]string{"A": "0x1", "B": "0x1", "C": "0x1", "D": "0x1", "F": "0x1", "G": "0x1"}},
		fakeLocator{
			"10.0.0.1:9001": "cell-1",
			"10.0.0.2:9001": "cell-1",
			"10.0.0.3:9001": "cell-2",
			"10.0.0.4:9001": "cell-1",
			"10.0.0.5:9001": "cell-2",
		},
		&fakeUptime{},
		zerolog.Nop(),
	)

	records, err := e.Compute(context.Background(), stamp)
	require.NoError(t, err)

	sizes := map[string]int{}
	for _, r := range records {
		sizes[r.Fingerprint] = r.LocationSize
	}
	// F and G are both unknown and do not count each other
	require.Equal(t, map[string]int{"A": 2, "B": 2, "C": 0, "F": 0, "G": 0}, sizes)
}

func TestCompute_Attributes(t *testing.T) {
	exit := relays.Relay{
		Fingerprint:     "A",
		Running:         true,
		ConsensusWeight: 42,
		EffectiveFamily: []string{"A", "B", "C"},
		ORAddresses:     []string{"10.0.0.1:9001"},
		Flags:           []string{"Fast", "Exit", "Running"},
	}
	plain := relay("B", true, 7, "10.0.0.2:9001")

	e := NewEngine(
		fakeRelays{exit, plain, exit},
		fakeRegistry{
			addresses: map[string]string{"A": "0xA", "B": "0xB"},
			hardware:  map[string]bool{"A": true},
		},
		fakeLocator{},
		&fakeUptime{streaks: map[string]int{"B": 12}},
		zerolog.Nop(),
	)

	records, err := e.Compute(context.Background(), stamp)
	require.NoError(t, err)
	require.Equal(t, []ScoreRecord{
		{Fingerprint: "A", Address: "0xA", Network: 42, FamilySize: 2, IsHardware: true, ExitBonus: true},
		{Fingerprint: "B", Address: "0xB", Network: 7, UptimeStreak: 12},
	}, records)
}

func TestCompute_DegradesOnCollaboratorFailure(t *testing.T) {
	up := &fakeUptime{streakErr: xerrors.New("db down"), tickErr: xerrors.New("db down")}
	e := NewEngine(
		fakeRelays{relay("A", true, 5, "1.1.1.1:9001")},
		fakeRegistry{addresses: map[string]string{"A": "0x1"}},
		fakeLocator{},
		up,
		zerolog.Nop(),
	)

	records, err := e.Compute(context.Background(), stamp)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Zero(t, records[0].UptimeStreak)
}

func TestCompute_EmptyInventory(t *testing.T) {
	up := &fakeUptime{}
	e := NewEngine(fakeRelays(nil), fakeRegistry{}, fakeLocator{}, up, zerolog.Nop())

	records, err := e.Compute(context.Background(), stamp)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, up.ticked)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine(fakeRelays{relay("A", true, 5, "")}, fakeRegistry{addresses: map[string]string{"A": "0x1"}}, fakeLocator{}, &fakeUptime{}, zerolog.Nop())
	_, err := e.Compute(ctx, stamp)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompute_EligibilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	type input struct {
		Running  bool
		Weight   int64
		Verified bool
	}
	genInput := gen.Struct(reflect.TypeOf(input{}), map[string]gopter.Gen{
		"Running":  gen.Bool(),
		"Weight":   gen.Int64Range(-2, 3),
		"Verified": gen.Bool(),
	})

	properties.Property("relay is scored iff running, weighted and verified", prop.ForAll(
		func(inputs []input) bool {
			var inventory fakeRelays
			addresses := map[string]string{}
			want := []string{}
			for i, in := range inputs {
				fp := string(rune('A'+i%26)) + string(rune('a'+i/26))
				inventory = append(inventory, relay(fp, in.Running, in.Weight, ""))
				if in.Verified {
					addresses[fp] = "0x" + fp
				}
				if in.Running && in.Weight > 0 && in.Verified {
					want = append(want, fp)
				}
			}

			e := NewEngine(inventory, fakeRegistry{addresses: addresses}, fakeLocator{}, &fakeUptime{}, zerolog.Nop())
			records, err := e.Compute(context.Background(), stamp)
			if err != nil {
				return false
			}
			got := Fingerprints(records)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genInput),
	))

	properties.TestingRun(t)
}
