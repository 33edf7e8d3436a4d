package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/session-monitor/internal/clients"
	"chargelink/backend/services/session-monitor/internal/transport"
)

var (
	ErrActiveSessionConflict = errors.New("coordinator: user already has an active session")
	ErrNoActiveTransaction   = errors.New("coordinator: no active transaction")
	ErrSummaryNotReady       = errors.New("coordinator: summary not ready")
	ErrPreconditionFailed    = errors.New("coordinator: connector not ready")
	ErrInvalidTransition     = errors.New("coordinator: invalid transition")
)

const backgroundTimeout = 30 * time.Second

// Commands sends session commands over the realtime channel.
type Commands interface {
	StartCharging(ctx context.Context, req transport.StartChargingRequest) (transport.StartChargingResponse, error)
	StopCharging(ctx context.Context, req transport.StopChargingRequest) (transport.StopChargingResponse, error)
}

// Backend is the REST side of the session backend.
type Backend interface {
	CreateTransaction(ctx context.Context, req clients.CreateTransactionRequest) (clients.Transaction, error)
	StopTransaction(ctx context.Context, transactionID string) error
	Summary(ctx context.Context, transactionID string) (clients.Summary, error)
	ConnectorStatus(ctx context.Context, chargePointID string, connectorID int) (clients.ConnectorStatus, error)
}

// SummaryStore persists fetched summaries. Get returns nil when absent.
type SummaryStore interface {
	Get(ctx context.Context, transactionID string) (*clients.Summary, error)
	Save(ctx context.Context, summary clients.Summary) error
}

// Source names where a status reading came from.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// ConflictAction resolves INITIATE_CONFLICT.
type ConflictAction int

const (
	// ConflictResume adopts the already active transaction.
	ConflictResume ConflictAction = iota
	// ConflictStopExisting stops the active transaction and initiates again.
	ConflictStopExisting
)

// Config describes the monitored connector and timing.
type Config struct {
	ChargePointID  string
	ConnectorID    int
	UserID         string
	IDTag          string
	WebsocketURL   string
	SessionRate    float64
	DefaultRate    float64
	PollInterval   time.Duration
	SummaryWindow  time.Duration
	SummaryRetries int
	Clock          clock.Clock
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.SummaryWindow <= 0 {
		c.SummaryWindow = 5 * time.Second
	}
	if c.SummaryRetries <= 0 {
		c.SummaryRetries = 12
	}
	if c.IDTag == "" {
		c.IDTag = c.UserID
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Meter holds the latest meter figures; nil fields are unknown.
type Meter struct {
	EnergyKWh  *float64   `json:"energyKWh,omitempty"`
	PowerKW    *float64   `json:"powerKW,omitempty"`
	SocPercent *float64   `json:"socPercent,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// Snapshot is a copy of the session as the coordinator sees it.
type Snapshot struct {
	State                 State            `json:"state"`
	Status                string           `json:"status"`
	Source                Source           `json:"source,omitempty"`
	Live                  bool             `json:"live"`
	ChargePointID         string           `json:"chargePointId"`
	ConnectorID           int              `json:"connectorId"`
	TransactionID         string           `json:"transactionId,omitempty"`
	SessionID             string           `json:"sessionId,omitempty"`
	ConflictTransactionID string           `json:"conflictTransactionId,omitempty"`
	StartedAt             *time.Time       `json:"startedAt,omitempty"`
	Meter                 Meter            `json:"meter"`
	Rate                  *float64         `json:"rate,omitempty"`
	Cost                  *float64         `json:"cost,omitempty"`
	CostSource            CostSource       `json:"costSource"`
	Summary               *clients.Summary `json:"summary,omitempty"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// reading is one status and meter observation. Only non-empty fields are
// applied.
type reading struct {
	status        string
	transactionID string
	energyKWh     *float64
	powerKW       *float64
	socPercent    *float64
	startedAt     *time.Time
	meterAt       *time.Time
}

// Coordinator drives one charging session on one connector. It takes
// connector status and meter values from realtime pushes while the channel
// is live and from polling otherwise, issues start and stop commands, and
// retrieves the transaction summary once the session ends.
type Coordinator struct {
	cfg      Config
	commands Commands
	backend  Backend
	store    SummaryStore
	clock    clock.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	// status is normalized; source says which channel set it.
	status string
	source Source
	live   bool
	epoch  uint64
	wake   chan struct{}
	done   chan struct{}

	// Transaction ids by origin; see transactionIDLocked.
	txCommand string
	txPush    string
	txData    string

	sessionID  string
	conflictID string
	// stopSeen enables the available heuristic; stopAcked is set only by a
	// successful stop command.
	stopSeen  bool
	stopAcked bool
	startedAt  *time.Time
	meter      Meter
	rate       *float64
	cost       *float64
	costSource CostSource
	summary    *clients.Summary
	updatedAt  time.Time

	summaryAttempts map[string]time.Time
	summaryRetries  int
	retryTimer      clock.Timer

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int
}

// New builds an IDLE coordinator. store may be nil.
func New(cfg Config, commands Commands, backend Backend, store SummaryStore) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		commands: commands,
		backend:  backend,
		store:    store,
		clock:    cfg.Clock,
		logger: cfg.Logger.With(
			zap.String("charge_point_id", cfg.ChargePointID),
			zap.Int("connector_id", cfg.ConnectorID),
		),
		state:           StateIdle,
		wake:            make(chan struct{}),
		done:            make(chan struct{}),
		costSource:      CostUnknown,
		summaryAttempts: make(map[string]time.Time),
		observers:       make(map[int]func(Snapshot)),
	}
	c.rate = resolveRate(cfg.SessionRate, cfg.DefaultRate)
	return c
}

// Subscribe registers f for every snapshot emitted after an applied update.
func (c *Coordinator) Subscribe(f func(Snapshot)) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = f
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Done is closed once the summary has been retrieved.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:                 c.state,
		Status:                c.status,
		Source:                c.source,
		Live:                  c.live,
		ChargePointID:         c.cfg.ChargePointID,
		ConnectorID:           c.cfg.ConnectorID,
		TransactionID:         c.transactionIDLocked(),
		SessionID:             c.sessionID,
		ConflictTransactionID: c.conflictID,
		StartedAt:             c.startedAt,
		Meter:                 c.meter,
		Rate:                  c.rate,
		Cost:                  c.cost,
		CostSource:            c.costSource,
		UpdatedAt:             c.updatedAt,
	}
	if c.summary != nil {
		summary := *c.summary
		s.Summary = &summary
	}
	return s
}

func (c *Coordinator) emit(s Snapshot) {
	c.obsMu.Lock()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, f := range c.observers {
		observers = append(observers, f)
	}
	c.obsMu.Unlock()
	for _, f := range observers {
		f(s)
	}
}

// transactionIDLocked prefers the id from a command response, then one
// from a push event, then one reported by polled connector data.
func (c *Coordinator) transactionIDLocked() string {
	switch {
	case c.txCommand != "":
		return c.txCommand
	case c.txPush != "":
		return c.txPush
	}
	return c.txData
}

func (c *Coordinator) transitionLocked(to State) error {
	if c.state == to {
		return nil
	}
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
	}
	c.logger.Info("session state changed",
		zap.String("from", string(c.state)),
		zap.String("to", string(to)),
		zap.String("transaction_id", c.transactionIDLocked()),
	)
	c.state = to
	c.updatedAt = c.clock.Now()
	return nil
}

func (c *Coordinator) recomputeCostLocked() {
	var backendCost *float64
	if c.summary != nil {
		backendCost = c.summary.TotalCost
	}
	c.cost, c.costSource = resolveCost(backendCost, c.meter.EnergyKWh, c.rate)
}

// SetSessionRate records the rate negotiated for this session. It wins over
// the station default.
func (c *Coordinator) SetSessionRate(rate float64) {
	c.mu.Lock()
	c.cfg.SessionRate = rate
	c.rate = resolveRate(c.cfg.SessionRate, c.cfg.DefaultRate)
	c.recomputeCostLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
}

// SetLive switches between push and poll. Going live suspends polling at
// once and discards poll answers still in flight; going offline resumes
// polling at once.
func (c *Coordinator) SetLive(live bool) {
	c.mu.Lock()
	if c.live == live {
		c.mu.Unlock()
		return
	}
	c.live = live
	c.epoch++
	close(c.wake)
	c.wake = make(chan struct{})
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("realtime channel state", zap.Bool("live", live))
	c.emit(snap)
}

// HandleStatusUpdate applies a pushed connector status.
func (c *Coordinator) HandleStatusUpdate(u transport.StatusUpdate) {
	if !c.matches(u.ChargePointID, u.ConnectorID) {
		return
	}
	c.apply(reading{status: u.Status, transactionID: string(u.TransactionID)}, SourcePush, 0)
}

// HandleMeterValues applies pushed meter values.
func (c *Coordinator) HandleMeterValues(u transport.MeterValuesUpdate) {
	if !c.matches(u.ChargePointID, u.ConnectorID) {
		return
	}
	m := u.MeterValue
	r := reading{
		transactionID: string(u.TransactionID),
		energyKWh:     ptr(m.EnergyImportKWh),
		powerKW:       ptr(m.PowerKW),
		socPercent:    m.StateOfCharge,
	}
	if !m.Timestamp.IsZero() {
		at := m.Timestamp
		r.meterAt = &at
	}
	c.apply(r, SourcePush, 0)
}

func (c *Coordinator) matches(chargePointID string, connectorID int) bool {
	if chargePointID != "" && chargePointID != c.cfg.ChargePointID {
		return false
	}
	return connectorID == 0 || connectorID == c.cfg.ConnectorID
}

// apply merges r as a full replacement of the fields it carries. Poll
// readings carry the epoch they were requested in and are dropped when the
// channel went live, or flipped at all, in the meantime.
func (c *Coordinator) apply(r reading, src Source, epoch uint64) {
	c.mu.Lock()
	if src == SourcePoll && (c.live || c.epoch != epoch) {
		c.mu.Unlock()
		c.logger.Debug("dropping stale poll reading", zap.String("status", r.status))
		return
	}
	if r.transactionID != "" {
		if src == SourcePush {
			c.txPush = r.transactionID
		} else {
			c.txData = r.transactionID
		}
	}
	if r.energyKWh != nil {
		c.meter.EnergyKWh = ptr(*r.energyKWh)
	}
	if r.powerKW != nil {
		c.meter.PowerKW = ptr(*r.powerKW)
	}
	if r.socPercent != nil {
		c.meter.SocPercent = ptr(*r.socPercent)
	}
	if r.meterAt != nil {
		c.meter.UpdatedAt = r.meterAt
	}
	if r.startedAt != nil && c.startedAt == nil {
		c.startedAt = r.startedAt
	}

	fetch := false
	if r.status != "" {
		c.status = NormalizeStatus(r.status)
		c.source = src
		fetch = c.followStatusLocked()
	}
	c.recomputeCostLocked()
	c.updatedAt = c.clock.Now()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	if fetch {
		go c.fetchInBackground()
	}
}

// followStatusLocked moves the state machine after a status change and
// reports whether the summary should be retrieved.
func (c *Coordinator) followStatusLocked() bool {
	switch c.state {
	case StateIdle, StateReady:
		if c.status == StatusCharging {
			// A transaction is running that this coordinator did not
			// start, or whose start answer was lost.
			_ = c.transitionLocked(StateCharging)
			if c.startedAt == nil {
				now := c.clock.Now()
				c.startedAt = &now
			}
		}
	case StateCharging, StateStopping, StateFinalizing:
		if sessionEnded(c.status, c.stopSeen) {
			c.stopSeen = true
			_ = c.transitionLocked(StateFinalizing)
			return c.state == StateFinalizing
		}
		if c.state == StateFinalizing && c.status == StatusCharging && !c.stopAcked {
			// The vehicle resumed after a suspend.
			c.stopSeen = false
			c.summaryRetries = 0
			if c.retryTimer != nil {
				c.retryTimer.Stop()
				c.retryTimer = nil
			}
			_ = c.transitionLocked(StateCharging)
		}
	}
	return false
}

// Initiate prepares a session at the backend. A conflict with an already
// active session moves to INITIATE_CONFLICT and returns
// ErrActiveSessionConflict.
func (c *Coordinator) Initiate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		err := fmt.Errorf("%w: initiate from %s", ErrInvalidTransition, c.state)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.initiate(ctx)
}

func (c *Coordinator) initiate(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateInitiating); err != nil {
		c.mu.Unlock()
		return err
	}
	live := c.live
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	tx, err := c.backend.CreateTransaction(ctx, clients.CreateTransactionRequest{
		ChargePointIdentity: c.cfg.ChargePointID,
		ConnectorID:         c.cfg.ConnectorID,
		UserID:              c.cfg.UserID,
		WebsocketURL:        c.cfg.WebsocketURL,
	})
	var conflict *clients.ConflictError
	if errors.As(err, &conflict) {
		c.mu.Lock()
		c.conflictID = conflict.ActiveTransactionID
		_ = c.transitionLocked(StateInitiateConflict)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return fmt.Errorf("%w: transaction %s", ErrActiveSessionConflict, conflict.ActiveTransactionID)
	}
	if err != nil {
		c.mu.Lock()
		_ = c.transitionLocked(StateIdle)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return fmt.Errorf("coordinator: initiate: %w", err)
	}

	if !live {
		c.pollOnce(ctx)
	}

	c.mu.Lock()
	c.sessionID = tx.TransactionID
	status := c.status
	var result error
	if status == "" || status == StatusAvailable || isReady(status) {
		_ = c.transitionLocked(StateReady)
	} else {
		_ = c.transitionLocked(StateIdle)
		result = fmt.Errorf("%w: connector is %s", ErrPreconditionFailed, status)
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)
	return result
}

// ResolveConflict leaves INITIATE_CONFLICT either by adopting the active
// transaction or by stopping it and initiating again.
func (c *Coordinator) ResolveConflict(ctx context.Context, action ConflictAction) error {
	c.mu.Lock()
	if c.state != StateInitiateConflict {
		err := fmt.Errorf("%w: resolve conflict from %s", ErrInvalidTransition, c.state)
		c.mu.Unlock()
		return err
	}
	activeID := c.conflictID
	if action == ConflictResume {
		c.txData = activeID
		c.conflictID = ""
		_ = c.transitionLocked(StateCharging)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return nil
	}
	c.mu.Unlock()

	if err := c.backend.StopTransaction(ctx, activeID); err != nil {
		return fmt.Errorf("coordinator: stop active transaction %s: %w", activeID, err)
	}
	c.mu.Lock()
	c.conflictID = ""
	c.mu.Unlock()
	return c.initiate(ctx)
}

// Start sends the start command. The connector status is checked locally
// first; outside the ready set nothing is sent and ErrPreconditionFailed is
// returned. It returns the transaction id when one is known.
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateReady {
		err := fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
		c.mu.Unlock()
		return "", err
	}
	if !isReady(c.status) {
		err := fmt.Errorf("%w: connector is %q", ErrPreconditionFailed, c.status)
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	resp, err := c.commands.StartCharging(ctx, transport.StartChargingRequest{
		ChargePointID: c.cfg.ChargePointID,
		ConnectorID:   c.cfg.ConnectorID,
		IDTag:         c.cfg.IDTag,
		UserID:        c.cfg.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("coordinator: start: %w", err)
	}

	c.mu.Lock()
	if resp.TransactionID != "" {
		c.txCommand = string(resp.TransactionID)
	}
	if err := c.transitionLocked(StateCharging); err != nil {
		c.logger.Warn("start acknowledged in unexpected state", zap.Error(err))
	}
	if c.startedAt == nil {
		now := c.clock.Now()
		c.startedAt = &now
	}
	id := c.transactionIDLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(snap)
	return id, nil
}

// Stop sends the stop command for the known transaction. It is accepted
// while charging and after a suspend moved the session to FINALIZING, until
// one stop has been acknowledged. On success local power drops to zero and
// the summary is fetched once without waiting for the terminal status.
func (c *Coordinator) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	id := c.transactionIDLocked()
	if id == "" {
		c.mu.Unlock()
		return ErrNoActiveTransaction
	}
	if c.stopAcked {
		c.mu.Unlock()
		return fmt.Errorf("%w: transaction %s already stopped", ErrInvalidTransition, id)
	}
	prev := c.state
	if err := c.transitionLocked(StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	_, err := c.commands.StopCharging(ctx, transport.StopChargingRequest{
		ChargePointID: c.cfg.ChargePointID,
		TransactionID: transport.TransactionID(id),
		UserID:        c.cfg.UserID,
		Reason:        reason,
	})

	c.mu.Lock()
	if err != nil {
		if c.state == StateStopping {
			_ = c.transitionLocked(prev)
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(snap)
		return fmt.Errorf("coordinator: stop %s: %w", id, err)
	}
	c.stopSeen = true
	c.stopAcked = true
	c.meter.PowerKW = ptr(0)
	if c.state == StateStopping {
		_ = c.transitionLocked(StateFinalizing)
	}
	c.recomputeCostLocked()
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	if _, err := c.FetchSummary(ctx, true); err != nil {
		c.logger.Info("summary not available right after stop", zap.String("transaction_id", id), zap.Error(err))
		c.scheduleSummaryRetry()
	}
	return nil
}

// FetchSummary retrieves the transaction summary. Without force, a second
// request for the same transaction within the summary window is suppressed
// and reported as ErrSummaryNotReady. Once retrieved, the summary is
// returned without further calls.
func (c *Coordinator) FetchSummary(ctx context.Context, force bool) (clients.Summary, error) {
	c.mu.Lock()
	if c.summary != nil {
		s := *c.summary
		c.mu.Unlock()
		return s, nil
	}
	id := c.transactionIDLocked()
	if id == "" {
		c.mu.Unlock()
		return clients.Summary{}, ErrNoActiveTransaction
	}
	now := c.clock.Now()
	if last, ok := c.summaryAttempts[id]; ok && !force && now.Sub(last) < c.cfg.SummaryWindow {
		c.mu.Unlock()
		return clients.Summary{}, fmt.Errorf("%w: %s requested %s ago", ErrSummaryNotReady, id, now.Sub(last))
	}
	c.summaryAttempts[id] = now
	c.mu.Unlock()

	if c.store != nil {
		stored, err := c.store.Get(ctx, id)
		if err != nil {
			c.logger.Warn("summary store read failed", zap.String("transaction_id", id), zap.Error(err))
		}
		if stored != nil {
			return c.adoptSummary(*stored), nil
		}
	}

	summary, err := c.backend.Summary(ctx, id)
	if errors.Is(err, clients.ErrSummaryNotReady) {
		return clients.Summary{}, fmt.Errorf("%w: %s", ErrSummaryNotReady, id)
	}
	if err != nil {
		return clients.Summary{}, fmt.Errorf("coordinator: fetch summary %s: %w", id, err)
	}
	if c.store != nil {
		if err := c.store.Save(ctx, summary); err != nil {
			c.logger.Warn("summary store write failed", zap.String("transaction_id", id), zap.Error(err))
		}
	}
	return c.adoptSummary(summary), nil
}

func (c *Coordinator) adoptSummary(s clients.Summary) clients.Summary {
	c.mu.Lock()
	if c.summary != nil {
		existing := *c.summary
		c.mu.Unlock()
		return existing
	}
	c.summary = &s
	if s.TotalEnergy != nil {
		c.meter.EnergyKWh = ptr(*s.TotalEnergy)
	}
	c.recomputeCostLocked()
	if err := c.transitionLocked(StateSummarized); err != nil {
		c.logger.Warn("summary retrieved in unexpected state", zap.Error(err))
		c.state = StateSummarized
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	close(c.done)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("transaction summary retrieved", zap.String("transaction_id", s.TransactionID))
	c.emit(snap)
	return s
}

func (c *Coordinator) fetchInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if _, err := c.FetchSummary(ctx, false); err != nil {
		c.logger.Debug("summary fetch deferred", zap.Error(err))
		c.scheduleSummaryRetry()
	}
}

// scheduleSummaryRetry arms one retry after the summary window, up to the
// configured number of retries. Only a finalizing session is retried.
func (c *Coordinator) scheduleSummaryRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFinalizing || c.summary != nil || c.retryTimer != nil || c.summaryRetries >= c.cfg.SummaryRetries {
		return
	}
	c.summaryRetries++
	c.retryTimer = c.clock.AfterFunc(c.cfg.SummaryWindow, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.fetchInBackground()
	})
}

// Run polls the connector while the realtime channel is down. It returns
// when ctx is done or the summary has been retrieved.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		live, wake := c.live, c.wake
		c.mu.Unlock()

		var tick <-chan time.Time
		if !live {
			c.pollOnce(ctx)
			tick = c.clock.After(c.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-wake:
		case <-tick:
		}
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	st, err := c.backend.ConnectorStatus(ctx, c.cfg.ChargePointID, c.cfg.ConnectorID)
	if err != nil {
		c.logger.Warn("connector status poll failed", zap.Error(err))
		return
	}
	c.apply(reading{
		status:        st.Status,
		transactionID: st.TransactionID,
		energyKWh:     st.EnergyKWh,
		powerKW:       st.PowerKW,
		socPercent:    st.SocPercent,
		startedAt:     st.StartTime,
	}, SourcePoll, epoch)
}
