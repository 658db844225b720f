// Package registry reads the operator registry: which relays are verified,
// by whom, and which run on verified hardware.
package registry

import (
	"context"
	"encoding/json"

	"relay-distribution/internal/ao"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// State is the part of the registry state used for scoring.
type State struct {
	VerifiedFingerprintsToOperatorAddresses ao.Table[string] `json:"VerifiedFingerprintsToOperatorAddresses"`
	VerifiedHardwareFingerprints            ao.Table[bool]   `json:"VerifiedHardwareFingerprints"`
}

// DryRunner evaluates a message without committing it.
type DryRunner interface {
	DryRun(ctx context.Context, msg ao.Message) (ao.Result, error)
}

// Client queries the registry process.
type Client struct {
	ao      DryRunner
	process string
	log     zerolog.Logger
}

// NewClient returns a registry client. A missing process id is logged and
// every query then degrades to an empty state.
func NewClient(runner DryRunner, process string, log zerolog.Logger) *Client {
	if process == "" {
		log.Error().Msg("missing operator registry process id")
	}
	return &Client{ao: runner, process: process, log: log}
}

// Fetch returns the current registry state.
func (c *Client) Fetch(ctx context.Context) (State, error) {
	if c.process == "" {
		return State{}, xerrors.New("operator registry process id not configured")
	}

	res, err := c.ao.DryRun(ctx, ao.Message{
		Process: c.process,
		Tags:    []ao.Tag{{Name: "Action", Value: "View-State"}},
	})
	if err != nil {
		return State{}, xerrors.Errorf("view registry state: %w", err)
	}
	data, err := res.FirstData()
	if err != nil {
		return State{}, xerrors.Errorf("view registry state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return State{}, xerrors.Errorf("decode registry state: %w", err)
	}
	if state.VerifiedFingerprintsToOperatorAddresses == nil {
		state.VerifiedFingerprintsToOperatorAddresses = ao.Table[string]{}
	}
	if state.VerifiedHardwareFingerprints == nil {
		state.VerifiedHardwareFingerprints = ao.Table[bool]{}
	}
	return state, nil
}

// Verification returns the verified operator addresses and the hardware set.
// Any failure is logged and yields empty maps.
func (c *Client) Verification(ctx context.Context) (map[string]string, map[string]bool) {
	state, err := c.Fetch(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed fetching operator registry state")
		return map[string]string{}, map[string]bool{}
	}
	c.log.Debug().
		Int("verified", len(state.VerifiedFingerprintsToOperatorAddresses)).
		Int("hardware", len(state.VerifiedHardwareFingerprints)).
		Msg("fetched operator registry state")
	return state.VerifiedFingerprintsToOperatorAddresses, state.VerifiedHardwareFingerprints
}
