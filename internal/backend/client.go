// Package backend is the HTTP client for the external download-job service:
// job initiation, the poll endpoint, and the SSE push channel.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"bucketdrop/internal/job"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBody     = 512
	eventChanBuffer  = 8
	scannerBufferCap = 1 << 20
)

// Client talks to the job backend. Plain request/response calls share a
// timeout-bound client; the SSE subscription uses a separate client with no
// overall timeout so long-lived streams are not cut off, but its transport
// still bounds the wait for response headers so a backend that accepts the
// connection and then goes silent cannot hang Subscribe.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

// New builds a client for the backend at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = timeout
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{Transport: streamTransport},
	}
}

// InitiateResponse is the backend's reply to a job-creation request.
type InitiateResponse struct {
	JobID        string     `json:"jobId"`
	Status       job.Status `json:"status"`
	TotalFiles   int        `json:"totalFiles"`
	SubscribeURL string     `json:"subscribeUrl"`
}

type initiateRequest struct {
	FileKeys []string `json:"file_keys"`
}

// Initiate creates a packaged-download job for the given object keys.
func (c *Client) Initiate(ctx context.Context, keys []string) (InitiateResponse, error) {
	var out InitiateResponse
	body, err := json.Marshal(initiateRequest{FileKeys: keys})
	if err != nil {
		return out, fmt.Errorf("marshal initiate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/download/initiate", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("create initiate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("initiate download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, unexpectedStatus("initiate download", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode initiate response: %w", err)
	}
	if out.JobID == "" {
		return out, fmt.Errorf("initiate download: backend returned empty job id")
	}
	return out, nil
}

// Status queries the poll endpoint for the job's full current snapshot.
func (c *Client) Status(ctx context.Context, jobID string) (job.State, error) {
	var state job.State
	target := c.baseURL + "/v1/download/status/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return state, fmt.Errorf("create status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return state, fmt.Errorf("query job status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return state, unexpectedStatus("query job status", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return state, fmt.Errorf("decode job status: %w", err)
	}
	return state, nil
}

// Subscribe opens the push channel at subscribeURL (absolute, or relative to
// the backend base URL). The returned channel carries one full snapshot per
// recognized event and closes on transport-level disconnect or when ctx is
// canceled; a disconnect alone never emits a failed state.
func (c *Client) Subscribe(ctx context.Context, subscribeURL string) (<-chan job.State, error) {
	target, err := c.resolve(subscribeURL)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribe url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open push channel: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := unexpectedStatus("open push channel", resp)
		_ = resp.Body.Close()
		return nil, err
	}

	ch := make(chan job.State, eventChanBuffer)
	go c.readEvents(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) resolve(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return ref, nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(parsed).String(), nil
}

// readEvents parses the SSE stream and forwards recognized events. Named
// events: "progress" and "complete" carry JobState JSON; "error" signals a
// job-level failure whose payload may be empty.
func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, ch chan<- job.State) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferCap)

	var eventName string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if state, ok := c.decodeEvent(eventName, data.Bytes()); ok {
				select {
				case ch <- state:
				case <-ctx.Done():
					return
				}
			}
			eventName = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventName = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("push channel read error")
	}
}

// decodeEvent turns one SSE event into a snapshot. Malformed payloads are
// dropped; an "error" event without a usable payload becomes a bare failed
// state so the reconciler can attach its generic message.
func (c *Client) decodeEvent(name string, payload []byte) (job.State, bool) {
	switch name {
	case "progress", "complete":
		var state job.State
		if err := json.Unmarshal(payload, &state); err != nil {
			log.Warn().Str("event", name).Err(err).Msg("dropping malformed push event")
			return job.State{}, false
		}
		return state, true
	case "error":
		state := job.State{Status: job.StatusFailed}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &state); err != nil {
				log.Warn().Err(err).Msg("malformed error event payload")
				return job.State{Status: job.StatusFailed}, true
			}
		}
		state.Status = job.StatusFailed
		return state, true
	default:
		log.Debug().Str("event", name).Msg("ignoring unrecognized push event")
		return job.State{}, false
	}
}

func unexpectedStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%s: http %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, msg)
}
