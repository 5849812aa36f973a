// Package appclient is the UI-facing client for worklensd. It dials the
// daemon socket, keeps mirrored engine snapshots fresh, and turns typed
// calls into sync intents.
package appclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/orchestrator"
	"github.com/worklens/worklens/internal/remotesync"
	"github.com/worklens/worklens/internal/timer"
)

// AppSnapshot is the decoded app engine broadcast.
type AppSnapshot struct {
	State   string
	Context orchestrator.AppContext
	Matches map[string]bool
	PubSeq  uint64
}

// TimerSnapshot is the decoded timer engine broadcast.
type TimerSnapshot struct {
	State   string
	Context timer.Context
	Matches map[string]bool
	PubSeq  uint64
}

type Client struct {
	link *remotesync.FrameLink
	sync *remotesync.Client

	mu     sync.Mutex
	runErr error
	done   chan struct{}
}

// Dial connects to a running daemon. The returned client owns the
// connection; Close tears it down.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial worklensd: %w", err)
	}
	link := remotesync.NewFrameLink(conn, 0)
	c := &Client{
		link: link,
		sync: remotesync.NewClient(link),
		done: make(chan struct{}),
	}
	go func() {
		err := link.Run()
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		close(c.done)
	}()
	return c, nil
}

func (c *Client) Close() error {
	return c.link.Close()
}

// Done closes when the connection ends; Err reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// WatchApp subscribes to the app engine and requests an initial snapshot.
func (c *Client) WatchApp(fn func(AppSnapshot)) error {
	err := c.sync.Subscribe(orchestrator.EngineApp, func(snap remotesync.SnapshotPayload, seq uint64) {
		decoded, err := decodeApp(snap, seq)
		if err != nil {
			return
		}
		fn(decoded)
	}, nil)
	if err != nil {
		return err
	}
	return c.sync.RequestSnapshot(orchestrator.EngineApp)
}

// WatchTimer subscribes to the timer engine and requests an initial
// snapshot.
func (c *Client) WatchTimer(fn func(TimerSnapshot)) error {
	err := c.sync.Subscribe(orchestrator.EngineTimer, func(snap remotesync.SnapshotPayload, seq uint64) {
		decoded, err := decodeTimer(snap, seq)
		if err != nil {
			return
		}
		fn(decoded)
	}, nil)
	if err != nil {
		return err
	}
	return c.sync.RequestSnapshot(orchestrator.EngineTimer)
}

// FetchApp retrieves one app snapshot, for one-shot CLI commands that do
// not hold a subscription open.
func (c *Client) FetchApp(ctx context.Context) (AppSnapshot, error) {
	ch := make(chan AppSnapshot, 1)
	if err := c.WatchApp(func(snap AppSnapshot) {
		select {
		case ch <- snap:
		default:
		}
	}); err != nil {
		return AppSnapshot{}, err
	}
	defer c.sync.Unsubscribe(orchestrator.EngineApp) //nolint:errcheck
	select {
	case snap := <-ch:
		return snap, nil
	case <-c.done:
		return AppSnapshot{}, fmt.Errorf("connection closed: %w", c.Err())
	case <-ctx.Done():
		return AppSnapshot{}, ctx.Err()
	}
}

// FetchTimer retrieves one timer snapshot.
func (c *Client) FetchTimer(ctx context.Context) (TimerSnapshot, error) {
	ch := make(chan TimerSnapshot, 1)
	if err := c.WatchTimer(func(snap TimerSnapshot) {
		select {
		case ch <- snap:
		default:
		}
	}); err != nil {
		return TimerSnapshot{}, err
	}
	defer c.sync.Unsubscribe(orchestrator.EngineTimer) //nolint:errcheck
	select {
	case snap := <-ch:
		return snap, nil
	case <-c.done:
		return TimerSnapshot{}, fmt.Errorf("connection closed: %w", c.Err())
	case <-ctx.Done():
		return TimerSnapshot{}, ctx.Err()
	}
}

func (c *Client) StartTimer(workItemID int, title string) error {
	return c.intent(orchestrator.EngineTimer, orchestrator.IntentTimerStart, map[string]any{
		"work_item_id": workItemID,
		"title":        title,
	})
}

func (c *Client) PauseTimer() error {
	return c.intent(orchestrator.EngineTimer, orchestrator.IntentTimerPause, nil)
}

func (c *Client) ResumeTimer() error {
	return c.intent(orchestrator.EngineTimer, orchestrator.IntentTimerResume, nil)
}

func (c *Client) StopTimer() error {
	return c.intent(orchestrator.EngineTimer, orchestrator.IntentTimerStop, nil)
}

func (c *Client) PingActivity() error {
	return c.intent(orchestrator.EngineTimer, orchestrator.IntentActivityPing, nil)
}

// AddConnection sends a loosely-shaped record; the host normalizes and
// validates it.
func (c *Client) AddConnection(record map[string]any) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentAddConnection, record)
}

func (c *Client) RemoveConnection(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentRemoveConnection, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) SelectConnection(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentSelectConnection, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) SetViewMode(mode model.ViewMode) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentSetViewMode, map[string]any{
		"mode": string(mode),
	})
}

func (c *Client) DismissReminder(connectionID string, kind model.ReminderKind) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentDismissReminder, map[string]any{
		"connection_id": connectionID,
		"kind":          string(kind),
	})
}

func (c *Client) RefreshWorkItems(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentRefreshWorkItems, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) SignIn(connectionID string, forceInteractive bool) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentSignIn, map[string]any{
		"connection_id":     connectionID,
		"force_interactive": forceInteractive,
	})
}

func (c *Client) SignOut(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentSignOut, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) Connect(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentConnect, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) RetryConnection(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentRetry, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) Disconnect(connectionID string) error {
	return c.intent(orchestrator.EngineApp, orchestrator.IntentDisconnect, map[string]any{
		"connection_id": connectionID,
	})
}

func (c *Client) intent(engineID, kind string, args any) error {
	intent := remotesync.Intent{Kind: kind}
	if args != nil {
		body, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal intent args: %w", err)
		}
		intent.Args = body
	}
	return c.sync.SendIntent(engineID, intent)
}

func decodeApp(snap remotesync.SnapshotPayload, seq uint64) (AppSnapshot, error) {
	out := AppSnapshot{Matches: snap.Matches, PubSeq: seq}
	if err := json.Unmarshal(snap.State, &out.State); err != nil {
		return AppSnapshot{}, err
	}
	if err := json.Unmarshal(snap.Context, &out.Context); err != nil {
		return AppSnapshot{}, err
	}
	return out, nil
}

func decodeTimer(snap remotesync.SnapshotPayload, seq uint64) (TimerSnapshot, error) {
	out := TimerSnapshot{Matches: snap.Matches, PubSeq: seq}
	if err := json.Unmarshal(snap.State, &out.State); err != nil {
		return TimerSnapshot{}, err
	}
	if err := json.Unmarshal(snap.Context, &out.Context); err != nil {
		return TimerSnapshot{}, err
	}
	return out, nil
}

// WaitHealthy polls the socket until the daemon accepts a connection or the
// deadline passes, for CLI commands that race daemon startup.
func WaitHealthy(ctx context.Context, socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", socketPath, 250*time.Millisecond)
		if err == nil {
			conn.Close() //nolint:errcheck
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worklensd not reachable at %s: %w", socketPath, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
