// Package ao talks to message-driven processes through a messenger unit
// (MU) and reads their outcome from a compute unit (CU).
package ao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"relay-distribution/internal/signer"

	"golang.org/x/xerrors"
)

// ErrRejected marks a message the target process answered with an Error.
var ErrRejected = xerrors.New("message rejected by process")

// RejectedError carries the process supplied reason of a rejection.
type RejectedError struct {
	Action string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
}

// Is makes xerrors.Is(err, ErrRejected) hold for every RejectedError.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Tag is a name/value pair attached to a message.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one request to a process.
type Message struct {
	Process string
	Tags    []Tag
	Data    string
}

// Action returns the value of the Action tag.
func (m Message) Action() string {
	for _, t := range m.Tags {
		if t.Name == "Action" {
			return t.Value
		}
	}
	return ""
}

// OutMessage is a message emitted by the process while handling a request.
type OutMessage struct {
	Data string `json:"Data"`
	Tags []Tag  `json:"Tags,omitempty"`
}

// Result is the evaluation outcome of a message.
type Result struct {
	Messages []OutMessage    `json:"Messages"`
	Error    json.RawMessage `json:"Error,omitempty"`
}

// Rejection returns the process error, if any.
func (r Result) Rejection() (string, bool) {
	if len(r.Error) == 0 || string(r.Error) == "null" || string(r.Error) == `""` {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s, true
	}
	return string(r.Error), true
}

// FirstData returns the Data of the first emitted message.
func (r Result) FirstData() (string, error) {
	if len(r.Messages) == 0 {
		return "", xerrors.New("result has no messages")
	}
	return r.Messages[0].Data, nil
}

// Client sends messages and dry runs.
type Client struct {
	mu     string
	cu     string
	http   *http.Client
	signer *signer.Signer
}

// NewClient returns a client for the given unit base URLs. s may be nil, in
// which case only dry runs are possible.
func NewClient(muURL, cuURL string, s *signer.Signer) *Client {
	return &Client{
		mu:     muURL,
		cu:     cuURL,
		http:   &http.Client{Timeout: 60 * time.Second},
		signer: s,
	}
}

type envelope struct {
	Target    string `json:"Target"`
	Owner     string `json:"Owner,omitempty"`
	Tags      []Tag  `json:"Tags"`
	Data      string `json:"Data"`
	Signature string `json:"Signature,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send posts a signed message to the MU and waits for its result on the CU.
// A process level error is returned as *RejectedError together with the
// message id.
func (c *Client) Send(ctx context.Context, msg Message) (string, Result, error) {
	if c.signer == nil {
		return "", Result{}, xerrors.New("no signer configured")
	}
	if msg.Process == "" {
		return "", Result{}, xerrors.New("no process id")
	}

	env := envelope{
		Target: msg.Process,
		Owner:  c.signer.Address().Hex(),
		Tags:   msg.Tags,
		Data:   msg.Data,
	}
	unsigned, err := json.Marshal(env)
	if err != nil {
		return "", Result{}, xerrors.Errorf("encode message: %w", err)
	}
	env.Signature, err = c.signer.SignHex(unsigned)
	if err != nil {
		return "", Result{}, err
	}

	var sent sendResponse
	if err := c.post(ctx, c.mu+"/", env, &sent); err != nil {
		return "", Result{}, xerrors.Errorf("send %s: %w", msg.Action(), err)
	}
	if sent.ID == "" {
		return "", Result{}, xerrors.Errorf("send %s: empty message id", msg.Action())
	}

	var res Result
	u := fmt.Sprintf("%s/result/%s?process-id=%s", c.cu, url.PathEscape(sent.ID), url.QueryEscape(msg.Process))
	if err := c.get(ctx, u, &res); err != nil {
		return sent.ID, Result{}, xerrors.Errorf("result of %s: %w", msg.Action(), err)
	}
	if reason, ok := res.Rejection(); ok {
		return sent.ID, res, &RejectedError{Action: msg.Action(), Reason: reason}
	}
	return sent.ID, res, nil
}

// DryRun evaluates msg on the CU without committing it.
func (c *Client) DryRun(ctx context.Context, msg Message) (Result, error) {
	if msg.Process == "" {
		return Result{}, xerrors.New("no process id")
	}
	env := envelope{Target: msg.Process, Tags: msg.Tags, Data: msg.Data}
	if c.signer != nil {
		env.Owner = c.signer.Address().Hex()
	}

	var res Result
	u := fmt.Sprintf("%s/dry-run?process-id=%s", c.cu, url.QueryEscape(msg.Process))
	if err := c.post(ctx, u, env, &res); err != nil {
		return Result{}, xerrors.Errorf("dry-run %s: %w", msg.Action(), err)
	}
	if reason, ok := res.Rejection(); ok {
		return res, &RejectedError{Action: msg.Action(), Reason: reason}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, u string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode response: %w", err)
	}
	return nil
}
