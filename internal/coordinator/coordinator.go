package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/npiesco/absurder/internal/hostenv"
	"github.com/npiesco/absurder/internal/lifecycle"
	"github.com/npiesco/absurder/internal/sqlengine"
)

const op = "coordinator"

// Executor runs a statement against the local SQL engine. The Coordinator
// calls it only for statements it decides to execute locally: every
// statement on the leader, and forwarded write_requests the leader
// receives from followers.
type Executor interface {
	Execute(ctx context.Context, sql string, params []sqlengine.ColumnValue) (sqlengine.Result, error)
}

// Options configures a Coordinator; fields mirror the recognised
// configuration keys in spec.md §6.
type Options struct {
	DBName               string
	InstanceID           string
	Host                 hostenv.Host
	Executor             Executor
	HeartbeatInterval    time.Duration
	LeaderTimeout        time.Duration
	WriteForwardTimeout  time.Duration
	AllowNonLeaderWrites bool
	RetryPolicy          RetryPolicy
	Logger               *slog.Logger
}

// Coordinator owns leader election, write forwarding, change broadcast,
// optimistic tracking, and metrics for one database (spec.md §4.8, C8).
type Coordinator struct {
	opts Options
	log  *slog.Logger

	mu             sync.Mutex
	isLeader       bool
	leaderInfo     hostenv.LeaderInfo
	haveLeaderInfo bool
	sequence       uint64
	allowNonLeader bool

	waitersMu sync.Mutex
	waiters   map[string]chan hostenv.Message

	onChange *lifecycle.CallbackArena[func(ChangeEvent)]
	metrics  metricsTracker
	optimistic *optimisticTracker

	sub    hostenv.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator. Call Start to join the coordination group.
func New(opts Options) *Coordinator {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.LeaderTimeout <= 0 {
		opts.LeaderTimeout = 15 * time.Second
	}
	if opts.WriteForwardTimeout <= 0 {
		opts.WriteForwardTimeout = 30 * time.Second
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = NoRetry{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:           opts,
		log:            logger,
		allowNonLeader: opts.AllowNonLeaderWrites,
		waiters:        make(map[string]chan hostenv.Message),
		onChange:       lifecycle.NewCallbackArena[func(ChangeEvent)](),
		optimistic:     newOptimisticTracker(),
	}
}

// Start subscribes to the broadcast channel and begins the heartbeat and
// election loops. It attempts an initial leader claim synchronously so
// single-peer callers observe is_leader()==true immediately after Start.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.opts.Host.Subscribe(ctx, c.opts.DBName)
	if err != nil {
		return absurderr.New(op, absurderr.CodeInternal, err)
	}
	c.sub = sub

	c.tryClaimLeadership(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.receiveLoop(runCtx)
	go c.heartbeatLoop(runCtx)

	return nil
}

// Stop unsubscribes and halts background loops. It releases leadership if
// held, so another peer can claim it promptly instead of waiting out the
// full leader timeout.
func (c *Coordinator) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	wasLeader := c.isLeader
	c.mu.Unlock()
	if wasLeader {
		_ = c.opts.Host.ReleaseLeader(context.Background(), c.opts.DBName, c.opts.InstanceID)
	}
	if c.sub != nil {
		return c.sub.Close()
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			leader := c.isLeader
			c.mu.Unlock()
			if leader {
				_ = c.opts.Host.Heartbeat(ctx, c.opts.DBName, c.opts.InstanceID, c.opts.Host.Now())
			} else {
				c.tryClaimLeadership(ctx)
			}
		}
	}
}

func (c *Coordinator) tryClaimLeadership(ctx context.Context) {
	info := hostenv.LeaderInfo{InstanceID: c.opts.InstanceID, AcquiredAt: c.opts.Host.Now()}
	ok, err := c.opts.Host.ClaimLeader(ctx, c.opts.DBName, info, c.opts.LeaderTimeout)
	if err != nil {
		c.log.Warn("coordinator: leader claim failed", "db", c.opts.DBName, "error", err)
		return
	}
	c.mu.Lock()
	wasLeader := c.isLeader
	c.isLeader = ok
	if ok {
		c.leaderInfo = info
		c.haveLeaderInfo = true
	}
	c.mu.Unlock()
	if ok {
		if !wasLeader {
			c.metrics.recordLeadershipChange()
		}
		_ = c.opts.Host.Publish(ctx, c.opts.DBName, hostenv.Message{
			Kind: hostenv.KindLeaderClaim, InstanceID: c.opts.InstanceID, At: info.AcquiredAt,
		})
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, msg hostenv.Message) {
	switch msg.Kind {
	case hostenv.KindLeaderClaim:
		c.mu.Lock()
		if msg.InstanceID != c.opts.InstanceID {
			c.isLeader = false
		}
		c.leaderInfo = hostenv.LeaderInfo{InstanceID: msg.InstanceID, AcquiredAt: msg.At}
		c.haveLeaderInfo = true
		c.mu.Unlock()

	case hostenv.KindDataChange:
		start := c.opts.Host.Now()
		c.onChange.Each(func(_ int, cb func(ChangeEvent)) {
			cb(ChangeEvent{
				DBName: c.opts.DBName, TablesTouched: msg.Tables,
				FromInstance: msg.FromInstance, Sequence: msg.Sequence,
			})
		})
		if msg.FromInstance != c.opts.InstanceID {
			c.metrics.recordFollowerRefresh()
			c.metrics.recordNotificationLatency(c.opts.Host.Now().Sub(start))
		}

	case hostenv.KindWriteReq:
		c.mu.Lock()
		leader := c.isLeader
		c.mu.Unlock()
		if !leader {
			return
		}
		c.serveWriteRequest(ctx, msg)

	case hostenv.KindWriteResult:
		c.waitersMu.Lock()
		ch, ok := c.waiters[msg.Token]
		c.waitersMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (c *Coordinator) serveWriteRequest(ctx context.Context, msg hostenv.Message) {
	params, err := sqlengine.DecodeParams(msg.Params)
	if err != nil {
		c.publishWriteResult(ctx, msg.Token, false, nil, err.Error())
		return
	}
	res, err := c.opts.Executor.Execute(ctx, msg.SQL, params)
	if err != nil {
		c.publishWriteResult(ctx, msg.Token, false, nil, err.Error())
		return
	}
	c.publishWriteResult(ctx, msg.Token, true, encodeResult(res), "")
	c.broadcastChange(ctx, nil)
}

func (c *Coordinator) publishWriteResult(ctx context.Context, token string, ok bool, payload []byte, errMsg string) {
	_ = c.opts.Host.Publish(ctx, c.opts.DBName, hostenv.Message{
		Kind: hostenv.KindWriteResult, Token: token, OK: ok, Payload: payload, ErrMsg: errMsg,
	})
}

// BroadcastChange publishes a data_change event after a successful local
// write-committing statement, incrementing this instance's sequence
// counter (spec.md §4.3's follower cache-invalidation path consumes this).
func (c *Coordinator) BroadcastChange(ctx context.Context, tablesTouched []string) {
	c.broadcastChange(ctx, tablesTouched)
}

func (c *Coordinator) broadcastChange(ctx context.Context, tablesTouched []string) {
	c.mu.Lock()
	c.sequence++
	seq := c.sequence
	c.mu.Unlock()
	_ = c.opts.Host.Publish(ctx, c.opts.DBName, hostenv.Message{
		Kind: hostenv.KindDataChange, Sequence: seq, FromInstance: c.opts.InstanceID,
		Tables: tablesTouched, Timestamp: c.opts.Host.Now(),
	})
}

// IsLeader reports whether this instance currently holds the leader slot.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// GetLeaderInfo returns the last known leader, if any.
func (c *Coordinator) GetLeaderInfo() (hostenv.LeaderInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderInfo, c.haveLeaderInfo
}

// RequestLeadership makes one immediate claim attempt, bypassing the
// heartbeat cadence.
func (c *Coordinator) RequestLeadership(ctx context.Context) {
	c.tryClaimLeadership(ctx)
}

// WaitForLeadership blocks until this instance becomes leader or ctx is
// done.
func (c *Coordinator) WaitForLeadership(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval / 4)
	defer ticker.Stop()
	for {
		if c.IsLeader() {
			return nil
		}
		select {
		case <-ctx.Done():
			return absurderr.New(op, absurderr.CodeTimeout, ctx.Err())
		case <-ticker.C:
			c.tryClaimLeadership(ctx)
		}
	}
}

// QueueWrite executes sql locally if this instance is leader (or
// AllowNonLeaderWrites is set); otherwise it forwards the statement to
// the leader and blocks for a write_result up to timeout, retrying per
// RetryPolicy on timeout.
func (c *Coordinator) QueueWrite(ctx context.Context, sql string, params []sqlengine.ColumnValue, timeout time.Duration) (sqlengine.Result, error) {
	if timeout <= 0 {
		timeout = c.opts.WriteForwardTimeout
	}

	c.mu.Lock()
	leader := c.isLeader
	allowLocal := c.allowNonLeader
	c.mu.Unlock()

	if leader || allowLocal {
		res, err := c.opts.Executor.Execute(ctx, sql, params)
		if err == nil {
			c.broadcastChange(ctx, nil)
		}
		return res, err
	}

	encodedParams, err := sqlengine.EncodeParams(params)
	if err != nil {
		return sqlengine.Result{}, absurderr.New(op, absurderr.CodeInvalidArgument, err)
	}

	req := WriteRequest{
		Token: uuid.NewString(), SQL: sql, Params: encodedParams,
		Deadline: c.opts.Host.Now().Add(timeout), OriginID: c.opts.InstanceID,
	}

	for attempt := 0; ; attempt++ {
		res, err := c.forwardOnce(ctx, req, timeout)
		if err == nil || absurderr.CodeOf(err) != absurderr.CodeTimeout {
			return res, err
		}
		nextReq, retry := c.opts.RetryPolicy.ShouldRetry(ctx, attempt, req)
		if !retry {
			return sqlengine.Result{}, err
		}
		req = nextReq
	}
}

func (c *Coordinator) forwardOnce(ctx context.Context, req WriteRequest, timeout time.Duration) (sqlengine.Result, error) {
	ch := make(chan hostenv.Message, 1)
	c.waitersMu.Lock()
	c.waiters[req.Token] = ch
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, req.Token)
		c.waitersMu.Unlock()
	}()

	if err := c.opts.Host.Publish(ctx, c.opts.DBName, hostenv.Message{
		Kind: hostenv.KindWriteReq, Token: req.Token, SQL: req.SQL, Params: req.Params,
		Deadline: req.Deadline, Origin: req.OriginID,
	}); err != nil {
		return sqlengine.Result{}, absurderr.New(op, absurderr.CodeInternal, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return sqlengine.Result{}, absurderr.New(op, absurderr.CodeTimeout, ctx.Err())
	case <-timer.C:
		return sqlengine.Result{}, absurderr.New(op, absurderr.CodeTimeout, nil)
	case msg := <-ch:
		if !msg.OK {
			return sqlengine.Result{}, absurderr.New(op, absurderr.CodeInternal, errWriteFailed(msg.ErrMsg))
		}
		return decodeResult(msg.Payload), nil
	}
}

// OnDataChange registers an observer and returns a handle for
// CancelOnDataChange.
func (c *Coordinator) OnDataChange(cb func(ChangeEvent)) int {
	return c.onChange.Register(cb)
}

func (c *Coordinator) CancelOnDataChange(handle int) {
	c.onChange.Unregister(handle)
}

// EnableOptimisticUpdates/IsOptimisticMode/TrackOptimisticWrite/
// PendingWritesCount/ClearOptimisticWrites implement spec.md §4.10's
// optimistic-update surface.
func (c *Coordinator) EnableOptimisticUpdates(v bool) { c.optimistic.setEnabled(v) }
func (c *Coordinator) IsOptimisticMode() bool         { return c.optimistic.isEnabled() }
func (c *Coordinator) TrackOptimisticWrite(sql string) string {
	return c.optimistic.track(sql)
}
func (c *Coordinator) ResolveOptimisticWrite(token string) { c.optimistic.resolve(token) }
func (c *Coordinator) PendingWritesCount() int             { return c.optimistic.count() }
func (c *Coordinator) ClearOptimisticWrites()              { c.optimistic.clear() }

// EnableCoordinationMetrics/IsCoordinationMetricsEnabled/
// RecordLeadershipChange/RecordNotificationLatency/RecordWriteConflict/
// RecordFollowerRefresh/GetCoordinationMetrics/ResetCoordinationMetrics
// implement spec.md §4.10's metrics surface.
func (c *Coordinator) EnableCoordinationMetrics(v bool)   { c.metrics.setEnabled(v) }
func (c *Coordinator) IsCoordinationMetricsEnabled() bool { return c.metrics.isEnabled() }
func (c *Coordinator) RecordLeadershipChange()            { c.metrics.recordLeadershipChange() }
func (c *Coordinator) RecordNotificationLatency(d time.Duration) {
	c.metrics.recordNotificationLatency(d)
}
func (c *Coordinator) RecordWriteConflict()    { c.metrics.recordWriteConflict() }
func (c *Coordinator) RecordFollowerRefresh()  { c.metrics.recordFollowerRefresh() }
func (c *Coordinator) GetCoordinationMetrics() Metrics { return c.metrics.snapshot() }
func (c *Coordinator) ResetCoordinationMetrics()       { c.metrics.reset() }

type errWriteFailed string

func (e errWriteFailed) Error() string { return "coordinator: leader write failed: " + string(e) }
