// Package wearable implements the on-watch session state machine. A
// single goroutine owns all session state; user commands, link traffic,
// and timers all feed the same loop, so nothing mutates state
// concurrently and nothing can mutate it after the loop exits.
package wearable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/devicelink"
	"github.com/dmihaylov4/WRKT-sub002/internal/health"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// State names the session lifecycle phases.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending_confirmation"
	StateCountdown State = "countdown"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateEnded     State = "ended"
)

var (
	// ErrEnded is returned by commands once the machine has shut down.
	ErrEnded = errors.New("session machine ended")

	// ErrBadState rejects a command the current state does not allow.
	ErrBadState = errors.New("not allowed in current state")
)

// Config carries the tunables for one session machine.
type Config struct {
	ParticipantID     string
	ConfirmDeadline   time.Duration
	CountdownSeconds  int
	SnapshotInterval  time.Duration
	LowPowerInterval  time.Duration
	HeartbeatInterval time.Duration
	BatteryInterval   time.Duration
	MinPaceDistanceM  float64
}

// Deps wires the machine to its collaborators. Journal and Health are
// optional; Clock defaults to time.Now.
type Deps struct {
	Link    devicelink.Link
	Sensors Sensors
	Power   Power
	Journal *Journal
	Health  *health.Monitor
	Clock   func() time.Time
	Log     zerolog.Logger
}

// Transition is one observed state change, published for the UI.
type Transition struct {
	From  State
	To    State
	RunID string
	At    time.Time

	// CoordinatedStart is set when To is StateCountdown: the shared
	// instant both wearables begin at.
	CoordinatedStart time.Time
}

type cmdKind int

const (
	cmdConfirm cmdKind = iota
	cmdDecline
	cmdPause
	cmdResume
	cmdEnd
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Machine is the session actor. Construct with NewMachine, then Start.
type Machine struct {
	cfg     Config
	link    devicelink.Link
	sensors Sensors
	power   Power
	journal *Journal
	monitor *health.Monitor
	now     func() time.Time
	log     zerolog.Logger

	cmds        chan command
	transitions chan Transition
	updates     chan protocol.Message
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once

	mu    sync.RWMutex
	state State

	// Everything below is owned by the run loop.
	runID       string
	partnerID   string
	seq         uint64
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	lowPower    bool
	workoutOpen bool
	latFilter   *Kalman
	lngFilter   *Kalman
	lastSeen    map[string]string

	confirmTimer *time.Timer
	startTimer   *time.Timer
	snapTicker   *time.Ticker
	hbTicker     *time.Ticker
	battTicker   *time.Ticker
}

// NewMachine validates deps and builds an idle machine.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if deps.Link == nil {
		return nil, errors.New("wearable: link is required")
	}
	if deps.Sensors == nil {
		return nil, errors.New("wearable: sensors are required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	power := deps.Power
	if power == nil {
		power = alwaysHighPower{}
	}
	return &Machine{
		cfg:         cfg,
		link:        deps.Link,
		sensors:     deps.Sensors,
		power:       power,
		journal:     deps.Journal,
		monitor:     deps.Health,
		now:         now,
		log:         deps.Log.With().Str("component", "wearable").Str("participant_id", cfg.ParticipantID).Logger(),
		cmds:        make(chan command),
		transitions: make(chan Transition, 16),
		updates:     make(chan protocol.Message, 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateIdle,
		latFilter:   NewPositionFilter(),
		lngFilter:   NewPositionFilter(),
		lastSeen:    make(map[string]string),
	}, nil
}

// Start launches the session loop.
func (m *Machine) Start() { go m.run() }

// Close force-stops the machine without sending anything. Wait on
// Done() for the loop to finish.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done closes once the loop has exited and no timer can fire again.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Transitions streams state changes. Slow consumers miss transitions
// rather than blocking the loop.
func (m *Machine) Transitions() <-chan Transition { return m.transitions }

// Updates streams inbound partner traffic (snapshots, heartbeats,
// partner-finished, pause/resume) for the stats tracker and health
// monitor. The machine itself does not fold partner state.
func (m *Machine) Updates() <-chan protocol.Message { return m.updates }

// State reads the current phase.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Confirm() error { return m.do(cmdConfirm) }
func (m *Machine) Decline() error { return m.do(cmdDecline) }
func (m *Machine) Pause() error   { return m.do(cmdPause) }
func (m *Machine) Resume() error  { return m.do(cmdResume) }

// End finishes the run locally. It always succeeds from a running
// state: delivery of the final stats rides the guaranteed path, never
// blocking the user's end action.
func (m *Machine) End() error { return m.do(cmdEnd) }

func (m *Machine) do(k cmdKind) error {
	c := command{kind: k, reply: make(chan error, 1)}
	select {
	case m.cmds <- c:
	case <-m.done:
		return ErrEnded
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		// The command itself may have ended the machine; its reply was
		// written before the loop exited.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrEnded
		}
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer m.teardown()

	for {
		var confirmC, startC, snapC, hbC, battC <-chan time.Time
		if m.confirmTimer != nil {
			confirmC = m.confirmTimer.C
		}
		if m.startTimer != nil {
			startC = m.startTimer.C
		}
		if m.snapTicker != nil {
			snapC = m.snapTicker.C
		}
		if m.hbTicker != nil {
			hbC = m.hbTicker.C
		}
		if m.battTicker != nil {
			battC = m.battTicker.C
		}

		select {
		case <-m.stop:
			return
		case c := <-m.cmds:
			c.reply <- m.handleCommand(c.kind)
		case msg, ok := <-m.link.Receive():
			if !ok {
				m.log.Warn().Msg("device link closed")
				return
			}
			m.handleMessage(msg)
		case <-confirmC:
			m.confirmTimer = nil
			m.confirmExpired()
		case <-startC:
			m.startTimer = nil
			m.beginActive()
		case <-snapC:
			m.publishSnapshot()
		case <-hbC:
			m.publishHeartbeat()
		case <-battC:
			m.checkBattery()
		}

		if m.state == StateEnded {
			return
		}
	}
}

// teardown stops the full timer set and closes any open workout before
// the loop returns, whatever path got us here.
func (m *Machine) teardown() {
	m.stopTimers()
	if m.workoutOpen {
		if err := m.sensors.EndWorkout(); err != nil {
			m.log.Warn().Err(err).Msg("end workout")
		}
		m.workoutOpen = false
	}
}

func (m *Machine) stopTimers() {
	if m.confirmTimer != nil {
		m.confirmTimer.Stop()
		m.confirmTimer = nil
	}
	if m.startTimer != nil {
		m.startTimer.Stop()
		m.startTimer = nil
	}
	if m.snapTicker != nil {
		m.snapTicker.Stop()
		m.snapTicker = nil
	}
	if m.hbTicker != nil {
		m.hbTicker.Stop()
		m.hbTicker = nil
	}
	if m.battTicker != nil {
		m.battTicker.Stop()
		m.battTicker = nil
	}
}

func (m *Machine) setState(to State) { m.setStateAt(to, time.Time{}) }

func (m *Machine) setStateAt(to State, coordinated time.Time) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from == to {
		return
	}
	t := Transition{From: from, To: to, RunID: m.runID, At: m.now(), CoordinatedStart: coordinated}
	select {
	case m.transitions <- t:
	default:
	}
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Str("run_id", m.runID).Msg("session transition")
}

func (m *Machine) handleCommand(k cmdKind) error {
	switch k {
	case cmdConfirm:
		return m.confirm()
	case cmdDecline:
		return m.declineInvite()
	case cmdPause:
		return m.pause()
	case cmdResume:
		return m.resume()
	case cmdEnd:
		return m.endRun()
	}
	return fmt.Errorf("unknown command %d", k)
}

func (m *Machine) confirm() error {
	if m.state != StatePending {
		return fmt.Errorf("%w: confirm in %s", ErrBadState, m.state)
	}
	if m.confirmTimer != nil {
		m.confirmTimer.Stop()
		m.confirmTimer = nil
	}
	// The coordinated instant is computed here and shipped to the
	// partner, so both visible countdowns align despite latency.
	start := m.now().Add(time.Duration(m.cfg.CountdownSeconds) * time.Second)
	m.sendDual(protocol.RunConfirmedMessage(protocol.RunConfirmed{
		RunID:            m.runID,
		ParticipantID:    m.cfg.ParticipantID,
		CoordinatedStart: start,
	}))
	m.enterCountdown(start)
	return nil
}

func (m *Machine) declineInvite() error {
	if m.state != StatePending {
		return fmt.Errorf("%w: decline in %s", ErrBadState, m.state)
	}
	m.abandonInvite("declined")
	return nil
}

func (m *Machine) confirmExpired() {
	if m.state != StatePending {
		return
	}
	m.abandonInvite("confirmation deadline expired")
}

// abandonInvite cancels the pending invite upstream and returns to
// idle. The machine stays alive for the next invite.
func (m *Machine) abandonInvite(reason string) {
	m.log.Info().Str("run_id", m.runID).Str("reason", reason).Msg("invite abandoned")
	m.stopTimers()
	m.link.SendGuaranteed(protocol.SessionCancelledMessage(protocol.SessionCancelled{RunID: m.runID}))
	m.setState(StateIdle)
	m.runID, m.partnerID = "", ""
}

func (m *Machine) enterCountdown(start time.Time) {
	wait := start.Sub(m.now())
	if wait < 0 {
		wait = 0
	}
	m.startTimer = time.NewTimer(wait)
	m.setStateAt(StateCountdown, start)
}

func (m *Machine) beginActive() {
	if m.state != StateCountdown {
		return
	}
	now := m.now()
	m.startedAt = now
	m.pausedAt = time.Time{}
	m.pausedTotal = 0
	m.seq = 0
	m.latFilter.Reset()
	m.lngFilter.Reset()
	m.restoreJournal()

	if err := m.sensors.BeginWorkout(); err != nil {
		m.log.Error().Err(err).Msg("begin workout")
	} else {
		m.workoutOpen = true
	}

	m.lowPower = m.power.LowPower()
	m.snapTicker = time.NewTicker(m.snapshotInterval())
	m.hbTicker = time.NewTicker(m.cfg.HeartbeatInterval)
	m.battTicker = time.NewTicker(m.cfg.BatteryInterval)
	if m.monitor != nil {
		m.monitor.Reset(now)
	}
	m.setState(StateActive)
	m.saveJournal()
}

func (m *Machine) snapshotInterval() time.Duration {
	if m.lowPower && m.cfg.LowPowerInterval > 0 {
		return m.cfg.LowPowerInterval
	}
	return m.cfg.SnapshotInterval
}

func (m *Machine) pause() error {
	if m.state != StateActive {
		return fmt.Errorf("%w: pause in %s", ErrBadState, m.state)
	}
	m.pausedAt = m.now()
	if m.snapTicker != nil {
		m.snapTicker.Stop()
		m.snapTicker = nil
	}
	if err := m.link.SendInstant(protocol.PauseMessage(protocol.PauseState{RunID: m.runID, ParticipantID: m.cfg.ParticipantID})); err != nil {
		m.log.Debug().Msg("pause notice dropped, link unreachable")
	}
	m.setState(StatePaused)
	m.saveJournal()
	return nil
}

func (m *Machine) resume() error {
	if m.state != StatePaused {
		return fmt.Errorf("%w: resume in %s", ErrBadState, m.state)
	}
	m.pausedTotal += m.now().Sub(m.pausedAt)
	m.pausedAt = time.Time{}
	m.snapTicker = time.NewTicker(m.snapshotInterval())
	if err := m.link.SendInstant(protocol.ResumeMessage(protocol.PauseState{RunID: m.runID, ParticipantID: m.cfg.ParticipantID})); err != nil {
		m.log.Debug().Msg("resume notice dropped, link unreachable")
	}
	m.setState(StateActive)
	m.saveJournal()
	return nil
}

func (m *Machine) endRun() error {
	switch m.state {
	case StateCountdown, StateActive, StatePaused:
	default:
		return fmt.Errorf("%w: end in %s", ErrBadState, m.state)
	}
	now := m.now()
	if m.state == StatePaused && !m.pausedAt.IsZero() {
		m.pausedTotal += now.Sub(m.pausedAt)
		m.pausedAt = time.Time{}
	}
	m.sendDual(protocol.RunEndedMessage(protocol.RunEnded{
		RunID:         m.runID,
		ParticipantID: m.cfg.ParticipantID,
		Final:         m.finalStats(now),
	}))
	m.finish()
	return nil
}

// finish is the single exit into StateEnded: timers down, workout
// closed, journal cleared.
func (m *Machine) finish() {
	m.stopTimers()
	if m.workoutOpen {
		if err := m.sensors.EndWorkout(); err != nil {
			m.log.Warn().Err(err).Msg("end workout")
		}
		m.workoutOpen = false
	}
	if m.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := m.journal.Clear(ctx); err != nil {
			m.log.Warn().Err(err).Msg("clear journal")
		}
		cancel()
	}
	m.setState(StateEnded)
}

func (m *Machine) finalStats(now time.Time) protocol.FinalStats {
	r := m.sensors.Current()
	elapsed := m.elapsedAt(now)
	fs := protocol.FinalStats{
		DistanceM: r.DistanceM,
		DurationS: elapsed.Seconds(),
	}
	if r.DistanceM >= m.cfg.MinPaceDistanceM && elapsed > 0 {
		pace := elapsed.Seconds() / (r.DistanceM / 1000)
		fs.PaceSecPerKm = &pace
	}
	if r.HeartRate > 0 {
		hr := r.HeartRate
		fs.HeartRate = &hr
	}
	return fs
}

// elapsedAt is running time excluding paused intervals.
func (m *Machine) elapsedAt(now time.Time) time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	e := now.Sub(m.startedAt) - m.pausedTotal
	if m.state == StatePaused && !m.pausedAt.IsZero() {
		e -= now.Sub(m.pausedAt)
	}
	if e < 0 {
		e = 0
	}
	return e
}

func (m *Machine) publishSnapshot() {
	if m.state != StateActive {
		return
	}
	now := m.now()
	r := m.sensors.Current()
	m.seq++
	snap := protocol.Snapshot{
		RunID:         m.runID,
		ParticipantID: m.cfg.ParticipantID,
		DistanceM:     r.DistanceM,
		DurationS:     m.elapsedAt(now).Seconds(),
		Sequence:      m.seq,
		ClientAt:      now,
	}
	if r.DistanceM >= m.cfg.MinPaceDistanceM {
		if el := m.elapsedAt(now).Seconds(); el > 0 {
			pace := el / (r.DistanceM / 1000)
			snap.PaceSecPerKm = &pace
		}
	}
	if r.HeartRate > 0 {
		hr := r.HeartRate
		snap.HeartRate = &hr
	}
	if r.Calories > 0 {
		kc := r.Calories
		snap.Calories = &kc
	}
	if r.HasFix {
		lat := m.latFilter.Update(r.Lat)
		lng := m.lngFilter.Update(r.Lng)
		snap.Lat, snap.Lng = &lat, &lng
	}
	if err := m.link.SendInstant(protocol.SnapshotMessage(snap)); err != nil {
		m.log.Debug().Uint64("sequence", snap.Sequence).Msg("snapshot dropped, link unreachable")
	}
}

func (m *Machine) publishHeartbeat() {
	if m.state != StateActive && m.state != StatePaused {
		return
	}
	now := m.now()
	hb := protocol.Heartbeat{
		ParticipantID: m.cfg.ParticipantID,
		Paused:        m.state == StatePaused,
		SentAtMS:      now.UnixMilli(),
	}
	if err := m.link.SendInstant(protocol.HeartbeatMessage(m.runID, hb)); err != nil {
		m.log.Debug().Msg("heartbeat dropped, link unreachable")
	}
	// The heartbeat tick doubles as this node's own partner-health
	// check and as the coarse journal cadence.
	if m.monitor != nil {
		m.monitor.Tick(now)
	}
	m.saveJournal()
}

func (m *Machine) checkBattery() {
	if m.state != StateActive && m.state != StatePaused {
		return
	}
	low := m.power.LowPower()
	if low == m.lowPower {
		return
	}
	m.lowPower = low
	m.log.Info().Bool("low_power", low).Msg("power mode changed")
	if m.state == StateActive && m.snapTicker != nil {
		m.snapTicker.Stop()
		m.snapTicker = time.NewTicker(m.snapshotInterval())
	}
}

func (m *Machine) handleMessage(msg protocol.Message) {
	if m.isDuplicate(msg) {
		return
	}
	switch msg.Kind {
	case protocol.KindRunStarted:
		m.handleRunStarted(msg)
	case protocol.KindRunConfirmed:
		m.handleRunConfirmed(msg)
	case protocol.KindRunEnded:
		m.handleRunEnded(msg)
	case protocol.KindSessionCancelled:
		m.handleCancelled(msg)
	case protocol.KindSnapshot, protocol.KindHeartbeat, protocol.KindPartnerFinished,
		protocol.KindPause, protocol.KindResume:
		m.forwardUpdate(msg)
	default:
		m.log.Warn().Str("kind", string(msg.Kind)).Msg("unhandled inbound kind")
	}
}

// isDuplicate drops redeliveries: a dual-path send arrives with the
// same message ID on both paths.
func (m *Machine) isDuplicate(msg protocol.Message) bool {
	if msg.ID == "" {
		return false
	}
	key := msg.RunID + "|" + string(msg.Kind)
	if m.lastSeen[key] == msg.ID {
		return true
	}
	m.lastSeen[key] = msg.ID
	return false
}

func (m *Machine) handleRunStarted(msg protocol.Message) {
	rs := msg.RunStarted
	if rs == nil {
		return
	}
	if m.state != StateIdle {
		m.log.Warn().Str("run_id", rs.RunID).Str("state", string(m.state)).Msg("run_started ignored")
		return
	}
	m.runID = rs.RunID
	m.partnerID = rs.PartnerID
	m.confirmTimer = time.NewTimer(m.cfg.ConfirmDeadline)
	m.setState(StatePending)
	m.forwardUpdate(msg)
}

func (m *Machine) handleRunConfirmed(msg protocol.Message) {
	rc := msg.RunConfirmed
	if rc == nil || rc.RunID != m.runID || m.state != StatePending {
		return
	}
	if m.confirmTimer != nil {
		m.confirmTimer.Stop()
		m.confirmTimer = nil
	}
	m.enterCountdown(rc.CoordinatedStart)
}

func (m *Machine) handleRunEnded(msg protocol.Message) {
	re := msg.RunEnded
	if re == nil || re.RunID != m.runID {
		return
	}
	if re.ParticipantID != "" && re.ParticipantID != m.cfg.ParticipantID {
		// The partner ended their side; this run continues solo.
		m.forwardUpdate(msg)
		return
	}
	switch m.state {
	case StateCountdown, StateActive, StatePaused:
		m.log.Info().Str("run_id", m.runID).Msg("session ended remotely")
		m.finish()
	}
}

func (m *Machine) handleCancelled(msg protocol.Message) {
	sc := msg.Cancelled
	if sc == nil || sc.RunID != m.runID {
		return
	}
	switch m.state {
	case StatePending:
		m.stopTimers()
		m.setState(StateIdle)
		m.runID, m.partnerID = "", ""
	case StateCountdown, StateActive, StatePaused:
		m.log.Info().Str("run_id", m.runID).Msg("session cancelled remotely")
		m.finish()
	}
}

func (m *Machine) forwardUpdate(msg protocol.Message) {
	if msg.RunID != m.runID {
		return
	}
	select {
	case m.updates <- msg:
	default:
		m.log.Debug().Str("kind", string(msg.Kind)).Msg("update dropped, consumer behind")
	}
}

// sendDual ships msg on both delivery paths; the receiver's dedup cache
// collapses the duplicate.
func (m *Machine) sendDual(msg protocol.Message) {
	m.link.SendGuaranteed(msg)
	if err := m.link.SendInstant(msg); err != nil {
		m.log.Debug().Str("kind", string(msg.Kind)).Msg("instant path unreachable, guaranteed copy queued")
	}
}

func (m *Machine) restoreJournal() {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, ok, err := m.journal.Load(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("load journal")
		return
	}
	if !ok || e.RunID != m.runID {
		return
	}
	m.seq = e.Sequence
	m.pausedTotal = time.Duration(e.PausedMS) * time.Millisecond
	if e.StartedAtMS > 0 {
		m.startedAt = time.UnixMilli(e.StartedAtMS)
	}
	m.log.Info().Uint64("sequence", m.seq).Str("run_id", m.runID).Msg("restored session journal")
}

func (m *Machine) saveJournal() {
	if m.journal == nil || m.runID == "" || m.startedAt.IsZero() {
		return
	}
	pausedMS := m.pausedTotal.Milliseconds()
	if m.state == StatePaused && !m.pausedAt.IsZero() {
		pausedMS += m.now().Sub(m.pausedAt).Milliseconds()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.journal.Save(ctx, Entry{
		RunID:         m.runID,
		ParticipantID: m.cfg.ParticipantID,
		Sequence:      m.seq,
		PausedMS:      pausedMS,
		StartedAtMS:   m.startedAt.UnixMilli(),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("save journal")
	}
}
