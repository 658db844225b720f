// Package relays pulls the relay inventory from an onionoo-style details
// document.
package relays

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ExitFlag is the relay flag advertising the exit capability.
const ExitFlag = "Exit"

// ErrUnexpectedStatus is returned for any answer other than 200 or 304.
var ErrUnexpectedStatus = xerrors.New("unexpected status")

// Relay is the subset of a details document entry used for scoring.
type Relay struct {
	Fingerprint     string   `json:"fingerprint"`
	Running         bool     `json:"running"`
	ConsensusWeight int64    `json:"consensus_weight"`
	EffectiveFamily []string `json:"effective_family"`
	ORAddresses     []string `json:"or_addresses"`
	Flags           []string `json:"flags"`
}

// HasFlag reports whether the relay advertises flag.
func (r Relay) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// FamilySize is the number of other relays in the relay's effective family.
func (r Relay) FamilySize() int {
	if len(r.EffectiveFamily) == 0 {
		return 0
	}
	return len(r.EffectiveFamily) - 1
}

// PrimaryAddress returns the first advertised OR address, or "".
func (r Relay) PrimaryAddress() string {
	if len(r.ORAddresses) == 0 {
		return ""
	}
	return r.ORAddresses[0]
}

type detailsResponse struct {
	Version string  `json:"version"`
	Relays  []Relay `json:"relays"`
}

// Fetcher reads the details document.
type Fetcher struct {
	uri    string
	auth   string
	client *http.Client
	log    zerolog.Logger
}

// NewFetcher returns a fetcher for uri. auth, when set, is sent verbatim as
// the Authorization header.
func NewFetcher(uri, auth string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		uri:    uri,
		auth:   auth,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

// Fetch returns the relays of a fresh document, or nil when the feed answers
// 304 Not Modified.
func (f *Fetcher) Fetch(ctx context.Context) ([]Relay, error) {
	if f.uri == "" {
		return nil, xerrors.New("details uri not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.uri, nil)
	if err != nil {
		return nil, xerrors.Errorf("build request: %w", err)
	}
	if f.auth != "" {
		req.Header.Set("Authorization", f.auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("fetch details: %w", err)
	}
	defer resp.Body.Close()

	f.log.Debug().Str("uri", f.uri).Int("status", resp.StatusCode).Msg("fetched relay details")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, nil
	default:
		return nil, xerrors.Errorf("details returned %d: %w", resp.StatusCode, ErrUnexpectedStatus)
	}

	var payload detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, xerrors.Errorf("decode details: %w", err)
	}

	return payload.Relays, nil
}

// Relays is Fetch with the collaborator-unavailable policy applied: every
// failure is logged and yields an empty inventory, as does an unchanged
// document.
func (f *Fetcher) Relays(ctx context.Context) []Relay {
	relays, err := f.Fetch(ctx)
	if err != nil {
		f.log.Error().Err(err).Str("uri", f.uri).Msg("failed fetching relay details")
		return nil
	}
	if relays == nil {
		f.log.Debug().Msg("no relay updates from network details")
		return nil
	}
	f.log.Info().Int("relays", len(relays)).Msg("received relays from network details")
	return relays
}
