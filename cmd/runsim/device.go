package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/auth"
	"github.com/dmihaylov4/WRKT-sub002/internal/bridge"
	"github.com/dmihaylov4/WRKT-sub002/internal/devicelink"
	"github.com/dmihaylov4/WRKT-sub002/internal/health"
	"github.com/dmihaylov4/WRKT-sub002/internal/invite"
	"github.com/dmihaylov4/WRKT-sub002/internal/partner"
	"github.com/dmihaylov4/WRKT-sub002/internal/profile"
	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/reconnect"
	"github.com/dmihaylov4/WRKT-sub002/internal/shared/geo"
	"github.com/dmihaylov4/WRKT-sub002/internal/wearable"
)

// stack is one simulated runner: a wearable machine on one end of an
// in-memory device link, and the phone-side relay (bridge + coordinator)
// on the other, talking to the real service over HTTP and websocket.
type stack struct {
	id      string
	pair    *devicelink.Pair
	machine *wearable.Machine
	bridge  *bridge.Bridge
	coord   *invite.Coordinator
	client  *bridge.Client
	outbox  *bridge.Outbox
	journal *wearable.Journal
	tracker *partner.Tracker
	monitor *health.Monitor
	log     zerolog.Logger
}

type stackParams struct {
	participantID string
	serviceURL    string
	jwtSecret     string
	stateDir      string
	sensors       wearable.Sensors
	profiles      profile.Lookup
}

func buildStack(ctx context.Context, log zerolog.Logger, p stackParams) (*stack, error) {
	token, err := auth.Issue(p.jwtSecret, p.participantID, auth.DefaultTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", p.participantID, err)
	}
	client := bridge.NewClient(p.serviceURL, token)

	outbox, err := bridge.OpenOutbox(filepath.Join(p.stateDir, p.participantID+"-outbox.db"))
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	journal, err := wearable.OpenJournal(ctx, filepath.Join(p.stateDir, p.participantID+"-journal.db"))
	if err != nil {
		outbox.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	slog := log.With().Str("runner", p.participantID).Logger()
	pair := devicelink.NewPair()
	backoff := reconnect.Manager{Base: 500 * time.Millisecond, Max: 5 * time.Second}

	br := bridge.New(bridge.Config{
		ParticipantID: p.participantID,
		QueueCapacity: 256,
		Backoff:       backoff,
	}, pair.B, client, outbox, slog)

	coord := invite.New(invite.Config{
		ParticipantID:    p.participantID,
		PollInterval:     2 * time.Second,
		CountdownSeconds: 3,
		Backoff:          backoff,
	}, client, br, p.profiles, slog)

	monitor := health.NewMonitor(6*time.Second, 15*time.Second, 3*time.Minute, func() {
		slog.Warn().Msg("partner silent for an extended period, continue solo?")
	})

	machine, err := wearable.NewMachine(wearable.Config{
		ParticipantID:     p.participantID,
		ConfirmDeadline:   30 * time.Second,
		CountdownSeconds:  3,
		SnapshotInterval:  time.Second,
		LowPowerInterval:  3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		BatteryInterval:   30 * time.Second,
		MinPaceDistanceM:  25,
	}, wearable.Deps{
		Link:    pair.A,
		Sensors: p.sensors,
		Journal: journal,
		Health:  monitor,
		Log:     slog,
	})
	if err != nil {
		journal.Close()
		outbox.Close()
		return nil, err
	}

	st := &stack{
		id:      p.participantID,
		pair:    pair,
		machine: machine,
		bridge:  br,
		coord:   coord,
		client:  client,
		outbox:  outbox,
		journal: journal,
		tracker: partner.NewTracker(10 * time.Second),
		monitor: monitor,
		log:     slog,
	}

	go func() { _ = br.Run(ctx) }()
	go func() { _ = coord.Run(ctx) }()
	machine.Start()
	go st.pumpTransitions()
	go st.pumpUpdates()
	return st, nil
}

func (st *stack) pumpTransitions() {
	for t := range st.machine.Transitions() {
		ev := st.log.Info().Str("from", string(t.From)).Str("to", string(t.To))
		if !t.CoordinatedStart.IsZero() {
			ev = ev.Time("coordinated_start", t.CoordinatedStart)
		}
		ev.Msg("transition")
	}
}

// pumpUpdates plays the watch UI: partner snapshots feed the stats
// tracker and the health monitor, heartbeats keep liveness fresh.
func (st *stack) pumpUpdates() {
	for msg := range st.machine.Updates() {
		now := time.Now()
		switch msg.Kind {
		case protocol.KindSnapshot:
			if msg.Snapshot == nil {
				continue
			}
			st.tracker.Apply(*msg.Snapshot, now)
			st.monitor.Observe(now, msg.Snapshot.Paused)
			if stats, ok := st.tracker.Stats(now); ok {
				st.log.Debug().
					Float64("partner_distance_m", stats.DistanceM).
					Str("health", string(st.monitor.Tick(now))).
					Msg("partner update")
			}
		case protocol.KindHeartbeat:
			if msg.Heartbeat != nil {
				st.monitor.Observe(now, msg.Heartbeat.Paused)
			}
		case protocol.KindPause, protocol.KindResume:
			st.log.Info().Str("kind", string(msg.Kind)).Msg("partner pace change")
		case protocol.KindPartnerFinished:
			st.monitor.PartnerFinished()
			if msg.PartnerFinished != nil {
				st.log.Info().Float64("partner_distance_m", msg.PartnerFinished.DistanceM).Msg("partner finished")
			}
		case protocol.KindRunStarted:
			if msg.RunStarted != nil {
				st.log.Info().Str("partner", msg.RunStarted.PartnerName).Msg("invite received on watch")
			}
		}
	}
}

// waitState polls the machine until it reaches want.
func (st *stack) waitState(ctx context.Context, want wearable.State, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%s: timed out waiting for state %s (in %s)", st.id, want, st.machine.State())
		case <-tick.C:
			if st.machine.State() == want {
				return nil
			}
		}
	}
}

func (st *stack) close() {
	st.machine.Close()
	<-st.machine.Done()
	st.pair.A.Close()
	st.pair.B.Close()
	_ = st.journal.Close()
	_ = st.outbox.Close()
}

// geoPoint is one route vertex.
type geoPoint struct {
	lat, lng float64
}

// routeSensors walks a fixed polyline at constant speed, deriving
// distance from elapsed workout time and position by interpolating
// along the route legs.
type routeSensors struct {
	speed float64 // m/s
	route []geoPoint
	legs  []float64 // metres per leg
	total float64
	now   func() time.Time

	mu      sync.Mutex
	started time.Time
	open    bool
}

func newRouteSensors(speed float64, route []geoPoint) *routeSensors {
	s := &routeSensors{speed: speed, route: route, now: time.Now}
	for i := 1; i < len(route); i++ {
		d := geo.MetersBetween(route[i-1].lat, route[i-1].lng, route[i].lat, route[i].lng)
		s.legs = append(s.legs, d)
		s.total += d
	}
	return s
}

func (s *routeSensors) BeginWorkout() error {
	s.mu.Lock()
	s.started = s.now()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *routeSensors) EndWorkout() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *routeSensors) Current() wearable.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return wearable.Reading{}
	}
	elapsed := s.now().Sub(s.started).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	dist := s.speed * elapsed
	r := wearable.Reading{
		DistanceM: dist,
		HeartRate: 145 + 12*math.Sin(elapsed/45),
		Calories:  dist * 0.06,
	}
	if lat, lng, ok := s.position(dist); ok {
		r.Lat, r.Lng, r.HasFix = lat, lng, true
	}
	return r
}

// position interpolates dist metres along the route; past the end it
// clamps to the final vertex.
func (s *routeSensors) position(dist float64) (float64, float64, bool) {
	if len(s.route) == 0 {
		return 0, 0, false
	}
	if len(s.route) == 1 || dist <= 0 {
		return s.route[0].lat, s.route[0].lng, true
	}
	remaining := dist
	for i, leg := range s.legs {
		if remaining <= leg && leg > 0 {
			f := remaining / leg
			a, b := s.route[i], s.route[i+1]
			return a.lat + (b.lat-a.lat)*f, a.lng + (b.lng-a.lng)*f, true
		}
		remaining -= leg
	}
	last := s.route[len(s.route)-1]
	return last.lat, last.lng, true
}
