package bus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/provisiond/internal/retry"
)

// maxFrameBytes bounds a single SSE data line; responses carry captured command output.
const maxFrameBytes = 16 * 1024 * 1024

// Remote is a Bus backed by the control process's HTTP /bus endpoints.
type Remote struct {
	baseURL   string
	token     string
	client    *http.Client
	reconnect retry.Policy
	logger    *slog.Logger
}

// NewRemote creates a client for the bus endpoints served at baseURL.
func NewRemote(baseURL, token string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No client timeout: subscriptions are long-lived streams.
		client: &http.Client{},
		reconnect: retry.Policy{
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  30 * time.Second,
		},
		logger: logger,
	}
}

func (r *Remote) channelURL(channel string) string {
	return r.baseURL + "/bus/" + url.PathEscape(channel)
}

// Publish posts payload to channel. Any non-2xx answer is a TransportError.
func (r *Remote) Publish(ctx context.Context, channel string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.channelURL(channel), bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{
			Op:      "publish",
			Channel: channel,
			Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return nil
}

// Subscribe connects to the channel's SSE stream. The first connection is made
// synchronously so a returned subscription is live; later disconnects are retried with
// backoff until ctx is done. Messages published while disconnected are lost.
func (r *Remote) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	body, err := r.connect(ctx, channel)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "subscribe", Channel: channel, Err: err}
	}

	ch := make(chan Message, DefaultBuffer)
	go r.stream(ctx, channel, body, ch)
	return newSubscription(ch, cancel), nil
}

func (r *Remote) connect(ctx context.Context, channel string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.channelURL(channel), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *Remote) stream(ctx context.Context, channel string, body io.ReadCloser, out chan<- Message) {
	defer close(out)

	for {
		err := readEvents(ctx, channel, body, out)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("bus subscription disconnected", "channel", channel, "error", err)

		for attempt := 0; ; attempt++ {
			if retry.Sleep(ctx, r.reconnect.Delay(attempt)) != nil {
				return
			}
			body, err = r.connect(ctx, channel)
			if err == nil {
				r.logger.Info("bus subscription reconnected", "channel", channel, "attempts", attempt+1)
				break
			}
			r.logger.Warn("bus reconnect failed", "channel", channel, "attempt", attempt+1, "error", err)
		}
	}
}

// readEvents parses the SSE stream until it ends. Only "data:" and "id:" fields are used;
// comment lines (keep-alives) are ignored.
func readEvents(ctx context.Context, channel string, body io.Reader, out chan<- Message) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var (
		id   int64
		data []byte
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) == 0 {
				continue
			}
			msg := Message{ID: id, Channel: channel, Payload: data, At: time.Now().UTC()}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
			id, data = 0, nil
		case bytes.HasPrefix(line, []byte("id: ")):
			if n, err := strconv.ParseInt(string(line[4:]), 10, 64); err == nil {
				id = n
			}
		case bytes.HasPrefix(line, []byte("data: ")):
			data = append([]byte(nil), line[6:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

func (r *Remote) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
