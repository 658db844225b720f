package registry

import (
	"context"
	"testing"

	"relay-distribution/internal/ao"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type fakeRunner struct {
	res ao.Result
	err error
	got ao.Message
}

func (f *fakeRunner) DryRun(_ context.Context, msg ao.Message) (ao.Result, error) {
	f.got = msg
	return f.res, f.err
}

func dataResult(data string) ao.Result {
	return ao.Result{Messages: []ao.OutMessage{{Data: data}}}
}

func TestClient_Verification(t *testing.T) {
	runner := &fakeRunner{res: dataResult(`{
		"VerifiedFingerprintsToOperatorAddresses": {"AAAA": "0x1", "BBBB": "0x2"},
		"VerifiedHardwareFingerprints": {"AAAA": true},
		"ClaimableFingerprintsToOperatorAddresses": []
	}`)}
	c := NewClient(runner, "registry-pid", zerolog.Nop())

	verified, hardware := c.Verification(context.Background())
	require.Equal(t, map[string]string{"AAAA": "0x1", "BBBB": "0x2"}, verified)
	require.Equal(t, map[string]bool{"AAAA": true}, hardware)

	require.Equal(t, "registry-pid", runner.got.Process)
	require.Equal(t, "View-State", runner.got.Action())
}

func TestClient_EmptyLuaTables(t *testing.T) {
	runner := &fakeRunner{res: dataResult(`{
		"VerifiedFingerprintsToOperatorAddresses": [],
		"VerifiedHardwareFingerprints": []
	}`)}
	c := NewClient(runner, "registry-pid", zerolog.Nop())

	state, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.VerifiedFingerprintsToOperatorAddresses)
	require.Empty(t, state.VerifiedFingerprintsToOperatorAddresses)
	require.NotNil(t, state.VerifiedHardwareFingerprints)
}

func TestClient_Degrades(t *testing.T) {
	tests := map[string]*fakeRunner{
		"transport": {err: xerrors.New("dial tcp: refused")},
		"no data":   {res: ao.Result{}},
		"malformed": {res: dataResult(`{"VerifiedHardwareFingerprints": "nope"}`)},
	}
	for name, runner := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewClient(runner, "registry-pid", zerolog.Nop())
			verified, hardware := c.Verification(context.Background())
			require.NotNil(t, verified)
			require.Empty(t, verified)
			require.NotNil(t, hardware)
			require.Empty(t, hardware)
		})
	}
}

func TestClient_MissingProcess(t *testing.T) {
	runner := &fakeRunner{}
	c := NewClient(runner, "", zerolog.Nop())

	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	require.Empty(t, runner.got.Process)
}
