// Package archive uploads settlement summaries to permanent storage through
// a bundler node.
package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"relay-distribution/internal/signer"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ErrDisabled is returned when no bundler or controller key is configured.
var ErrDisabled = xerrors.New("archive disabled")

// Tag is a name/value pair indexed alongside the payload.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Publisher uploads payloads to the bundler.
type Publisher struct {
	node   string
	signer *signer.Signer
	http   *http.Client
	log    zerolog.Logger
}

// NewPublisher returns a publisher. Without a node or a signer the publisher
// self-disables and every upload fails with ErrDisabled.
func NewPublisher(node string, s *signer.Signer, log zerolog.Logger) *Publisher {
	switch {
	case node == "":
		log.Error().Msg("missing bundler node, archival disabled")
	case s == nil:
		log.Error().Msg("missing bundler controller key, archival disabled")
	default:
		log.Info().Str("address", s.Address().Hex()).Msg("bootstrapped archive signer")
	}
	return &Publisher{
		node:   node,
		signer: s,
		http:   &http.Client{Timeout: 2 * time.Minute},
		log:    log,
	}
}

// Enabled reports whether uploads can be attempted.
func (p *Publisher) Enabled() bool {
	return p.node != "" && p.signer != nil
}

type dataItem struct {
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"tags"`
	Data      string `json:"data"` // base64
	Signature string `json:"signature"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload stores payload with tags and returns its content identifier.
func (p *Publisher) Upload(ctx context.Context, payload []byte, tags []Tag) (string, error) {
	if !p.Enabled() {
		return "", ErrDisabled
	}

	item := dataItem{
		Owner: p.signer.Address().Hex(),
		Tags:  tags,
		Data:  base64.StdEncoding.EncodeToString(payload),
	}
	unsigned, err := json.Marshal(item)
	if err != nil {
		return "", xerrors.Errorf("encode data item: %w", err)
	}
	if item.Signature, err = p.signer.SignHex(unsigned); err != nil {
		return "", err
	}
	body, err := json.Marshal(item)
	if err != nil {
		return "", xerrors.Errorf("encode data item: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.node+"/tx", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", xerrors.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", xerrors.Errorf("upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", xerrors.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", xerrors.New("upload: empty id")
	}
	return out.ID, nil
}
