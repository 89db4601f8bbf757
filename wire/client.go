package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/reconcile"
	"github.com/docubuild/foreman/stream"
)

// The client plugs straight into the reconciler.
var (
	_ reconcile.Source    = (*Client)(nil)
	_ reconcile.Commander = (*Client)(nil)
	_ reconcile.Connector = (*Dialer)(nil)
	_ reconcile.Feed      = (*Subscription)(nil)
)

// Client is a wire client that talks to a remote scheduling core over
// WebSocket. It implements the reconciler's Source and Commander
// interfaces; pair it with a Dialer for the push feed.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	// Connection state.
	conn      net.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	sessionID string

	// Request-response correlation.
	pending sync.Map // frameID → chan *Frame

	// Subscriptions.
	subs sync.Map // topic → chan *stream.Event
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the auth token sent during the handshake.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Dial connects to a wire server and authenticates.
func Dial(url string, opts ...ClientOption) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a wire server with a context.
func DialContext(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("wire: dial: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// connect establishes the WebSocket connection and performs the auth
// handshake. The auth response is read directly since the readLoop has
// not started yet.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	authData, err := json.Marshal(AuthRequest{Token: c.token})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", err)
	}
	authFrame := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    MethodAuth,
		Token:     c.token,
		Data:      authData,
		Timestamp: time.Now().UTC(),
	}
	if err := c.writeFrame(authFrame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", err)
	}

	type readResult struct {
		resp *Frame
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		var frame Frame
		if unmarshalErr := json.Unmarshal(data, &frame); unmarshalErr != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal auth response: %w", unmarshalErr)}
			return
		}
		resultCh <- readResult{resp: &frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == FrameErr {
			_ = conn.Close()
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("auth failed: %s", msg)
		}
		var authResp AuthResponse
		if len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, &authResp); err != nil {
				c.logger.Warn("unmarshal auth response", slog.String("error", err.Error()))
			}
		}
		c.sessionID = authResp.SessionID
		c.logger.Info("wire client connected", slog.String("session_id", c.sessionID))
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return fmt.Errorf("auth timeout")
	}
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("wire client read error", slog.String("error", err.Error()))
				c.closeSubs()
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("wire client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case FrameResponse, FrameErr:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *Frame)
				select {
				case ch <- &frame:
				default:
				}
			}
		case FrameEvent:
			var evt stream.Event
			if json.Unmarshal(frame.Data, &evt) != nil {
				continue
			}
			// Events are stamped with the job's own topic; route them
			// to every subscription they fan out to.
			c.subs.Range(func(key, val any) bool {
				if !topicMatches(key.(string), &evt) {
					return true
				}
				ch := val.(chan *stream.Event)
				select {
				case ch <- &evt:
				default:
					// Drop if the consumer is slow; the reconciler's
					// snapshot poll closes any gap.
				}
				return true
			})
		case FramePong:
			// Ignore.
		}
	}
}

// topicMatches reports whether an event fans out to the given topic.
// Mirrors the server-side topic resolution.
func topicMatches(topic string, evt *stream.Event) bool {
	switch topic {
	case stream.TopicFirehose, stream.TopicJobs:
		return true
	}
	if evt.Job == nil {
		return topic == evt.Topic
	}
	switch topic {
	case stream.JobTopic(evt.Job.ID.String()),
		stream.ClassTopic(evt.Job.Class),
		stream.OwnerTopic(evt.Job.Owner):
		return true
	}
	return false
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*Frame, error) {
	frame := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		frame.Data = raw
	}

	respCh := make(chan *Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("wire error %d: %s", errCodeOf(resp), msg)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func errCodeOf(f *Frame) int {
	if f.Error != nil {
		return f.Error.Code
	}
	return ErrCodeInternal
}

// requestJob sends a request and unmarshals the response into a Job.
func (c *Client) requestJob(ctx context.Context, method string, data any) (*job.Job, error) {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(resp.Data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// writeFrame JSON-encodes and sends a frame over the WebSocket.
func (c *Client) writeFrame(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return wsutil.WriteClientText(c.conn, data)
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// Submit admits a new job on the server.
func (c *Client) Submit(ctx context.Context, class, owner string, params json.RawMessage, priority *int) (*job.Job, error) {
	return c.requestJob(ctx, MethodJobSubmit, SubmitRequest{
		Class:    class,
		Owner:    owner,
		Params:   params,
		Priority: priority,
	})
}

// Get fetches the authoritative record for one job.
func (c *Client) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.requestJob(ctx, MethodJobGet, JobRequest{JobID: jobID.String()})
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.requestJob(ctx, MethodJobCancel, JobRequest{JobID: jobID.String()})
}

// Retry submits a retry of a failed job.
func (c *Client) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.requestJob(ctx, MethodJobRetry, JobRequest{JobID: jobID.String()})
}

// Reprioritize changes a queued job's priority.
func (c *Client) Reprioritize(ctx context.Context, jobID id.JobID, priority int) (*job.Job, error) {
	return c.requestJob(ctx, MethodJobReprioritize, ReprioritizeRequest{
		JobID:    jobID.String(),
		Priority: priority,
	})
}

// Snapshot fetches the pull-side state snapshot.
func (c *Client) Snapshot(ctx context.Context, f job.Filter) (*stream.Snapshot, error) {
	resp, err := c.request(ctx, MethodSnapshot, SnapshotRequest{
		Class: f.Class,
		Owner: f.Owner,
	})
	if err != nil {
		return nil, err
	}
	var snap stream.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe attaches to a topic and returns a subscription feeding
// its events. Credits of 0 uses the server default.
func (c *Client) Subscribe(ctx context.Context, topic string, credits int) (*Subscription, error) {
	ch := make(chan *stream.Event, 64)
	c.subs.Store(topic, ch)

	_, err := c.request(ctx, MethodSubscribe, SubscribeRequest{Topic: topic, Credits: credits})
	if err != nil {
		c.subs.Delete(topic)
		return nil, err
	}
	return &Subscription{client: c, topic: topic, ch: ch}, nil
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.request(ctx, MethodUnsubscribe, UnsubscribeRequest{Topic: topic})
	if val, ok := c.subs.LoadAndDelete(topic); ok {
		close(val.(chan *stream.Event))
	}
	return err
}

// Replenish sends flow-control credits for this connection.
func (c *Client) Replenish(credits int) error {
	return c.writeFrame(&Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Credits:   credits,
		Timestamp: time.Now().UTC(),
	})
}

// closeSubs closes all subscription channels (read loop died).
func (c *Client) closeSubs() {
	c.subs.Range(func(key, val any) bool {
		close(val.(chan *stream.Event))
		c.subs.Delete(key)
		return true
	})
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.closeSubs()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Reconciler integration
// ──────────────────────────────────────────────────

// Subscription is one topic's event feed.
type Subscription struct {
	client *Client
	topic  string
	ch     chan *stream.Event
}

// C returns the event channel. It is closed on disconnect.
func (s *Subscription) C() <-chan *stream.Event { return s.ch }

// Close tears down the subscription.
func (s *Subscription) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Unsubscribe(ctx, s.topic)
}

// Dialer establishes fresh connections for the reconciler's push feed.
// Each Connect dials, authenticates, and subscribes to the configured
// topic; the returned feed closes when the connection drops.
type Dialer struct {
	url   string
	topic string
	opts  []ClientOption
}

// NewDialer creates a Dialer for the given server URL and topic
// (typically stream.TopicJobs, or a class/owner topic for a narrowed
// dashboard).
func NewDialer(url, topic string, opts ...ClientOption) *Dialer {
	return &Dialer{url: url, topic: topic, opts: opts}
}

// Connect implements the reconciler's Connector.
func (d *Dialer) Connect(ctx context.Context) (reconcile.Feed, error) {
	c, err := DialContext(ctx, d.url, d.opts...)
	if err != nil {
		return nil, err
	}
	sub, err := c.Subscribe(ctx, d.topic, 0)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &dialedFeed{client: c, sub: sub}, nil
}

// dialedFeed ties a subscription's lifetime to its connection.
type dialedFeed struct {
	client *Client
	sub    *Subscription
}

func (f *dialedFeed) C() <-chan *stream.Event { return f.sub.ch }

func (f *dialedFeed) Close() error { return f.client.Close() }
