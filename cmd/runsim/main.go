// runsim drives a complete scripted paired run against a live
// coordination service: two simulated runners, each a full device stack
// (wearable machine, in-memory device link, relay bridge, session
// coordinator), walking fixed routes at different speeds. The script is
// invite, confirm, run, a mid-run pause on one side, both ends, then the
// reconciled result.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dmihaylov4/WRKT-sub002/internal/bridge"
	"github.com/dmihaylov4/WRKT-sub002/internal/logging"
	"github.com/dmihaylov4/WRKT-sub002/internal/profile"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
	"github.com/dmihaylov4/WRKT-sub002/internal/wearable"
)

type options struct {
	serviceURL string
	jwtSecret  string
	runnerA    string
	runnerB    string
	duration   time.Duration
	pauseFor   time.Duration
	speedA     float64
	speedB     float64
	stateDir   string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "runsim",
		Short:        "Simulate a paired run between two full device stacks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.New(logging.Options{Level: opts.logLevel})
			return runScenario(ctx, log, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.serviceURL, "service", "http://localhost:8080", "coordination service base URL")
	f.StringVar(&opts.jwtSecret, "jwt-secret", "dev-secret", "signing secret shared with the service")
	f.StringVar(&opts.runnerA, "runner-a", "sim-runner-a", "inviting participant id")
	f.StringVar(&opts.runnerB, "runner-b", "sim-runner-b", "invited participant id")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "active running time")
	f.DurationVar(&opts.pauseFor, "pause", 3*time.Second, "length of runner A's mid-run pause")
	f.Float64Var(&opts.speedA, "speed-a", 3.2, "runner A speed in m/s")
	f.Float64Var(&opts.speedB, "speed-b", 2.9, "runner B speed in m/s")
	f.StringVar(&opts.stateDir, "state-dir", "", "directory for outbox/journal files (default: temp)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func runScenario(ctx context.Context, log zerolog.Logger, opts options) error {
	dir := opts.stateDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "runsim-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	profiles := profile.NewStatic(
		profile.Profile{ParticipantID: opts.runnerA, DisplayName: "Sim Runner A"},
		profile.Profile{ParticipantID: opts.runnerB, DisplayName: "Sim Runner B"},
	)

	// Two loops around the same park, opposite directions.
	routeA := []geoPoint{
		{52.5200, 13.4050}, {52.5218, 13.4071}, {52.5231, 13.4045},
		{52.5222, 13.4009}, {52.5203, 13.4021}, {52.5200, 13.4050},
	}
	routeB := []geoPoint{
		{52.5200, 13.4050}, {52.5203, 13.4021}, {52.5222, 13.4009},
		{52.5231, 13.4045}, {52.5218, 13.4071}, {52.5200, 13.4050},
	}

	a, err := buildStack(ctx, log, stackParams{
		participantID: opts.runnerA,
		serviceURL:    opts.serviceURL,
		jwtSecret:     opts.jwtSecret,
		stateDir:      dir,
		sensors:       newRouteSensors(opts.speedA, routeA),
		profiles:      profiles,
	})
	if err != nil {
		return err
	}
	defer a.close()

	b, err := buildStack(ctx, log, stackParams{
		participantID: opts.runnerB,
		serviceURL:    opts.serviceURL,
		jwtSecret:     opts.jwtSecret,
		stateDir:      dir,
		sensors:       newRouteSensors(opts.speedB, routeB),
		profiles:      profiles,
	})
	if err != nil {
		return err
	}
	defer b.close()

	sess, err := a.coord.Invite(ctx, opts.runnerB)
	if err != nil {
		return fmt.Errorf("invite: %w", err)
	}
	log.Info().Str("run_id", sess.ID).Msg("invite created")

	if err := b.waitState(ctx, wearable.StatePending, 20*time.Second); err != nil {
		return err
	}
	if err := b.machine.Confirm(); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	if err := b.waitState(ctx, wearable.StateActive, 30*time.Second); err != nil {
		return err
	}
	if err := a.waitState(ctx, wearable.StateActive, 30*time.Second); err != nil {
		return err
	}
	log.Info().Msg("both runners active")

	half := opts.duration / 2
	if err := sleepCtx(ctx, half); err != nil {
		return err
	}

	if err := a.machine.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	log.Info().Str("runner", opts.runnerA).Msg("paused")
	if err := sleepCtx(ctx, opts.pauseFor); err != nil {
		return err
	}
	if err := a.machine.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	log.Info().Str("runner", opts.runnerA).Msg("resumed")

	if err := sleepCtx(ctx, half); err != nil {
		return err
	}

	if err := a.machine.End(); err != nil {
		return fmt.Errorf("end a: %w", err)
	}
	log.Info().Str("runner", opts.runnerA).Msg("finished")

	// B keeps running solo for a moment so partner_finished can land.
	if err := sleepCtx(ctx, 2*time.Second); err != nil {
		return err
	}
	if err := b.machine.End(); err != nil {
		return fmt.Errorf("end b: %w", err)
	}
	log.Info().Str("runner", opts.runnerB).Msg("finished")

	final, err := waitResolved(ctx, a.client, sess.ID, 30*time.Second)
	if err != nil {
		return err
	}
	summarize(log, opts, final)
	return nil
}

// waitResolved polls the service until the session leaves the active
// state, i.e. both completions reconciled.
func waitResolved(ctx context.Context, client *bridge.Client, runID string, timeout time.Duration) (run.Session, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return run.Session{}, ctx.Err()
		case <-deadline:
			return run.Session{}, errors.New("timed out waiting for session to resolve")
		case <-tick.C:
			sess, err := client.Get(ctx, runID)
			if err != nil {
				return run.Session{}, err
			}
			if sess.Status.Resolved() {
				return sess, nil
			}
		}
	}
}

func summarize(log zerolog.Logger, opts options, sess run.Session) {
	ev := log.Info().Str("run_id", sess.ID).Str("status", string(sess.Status))
	if sess.StatsA.DistanceM != nil {
		ev = ev.Float64("distance_a_m", *sess.StatsA.DistanceM)
	}
	if sess.StatsB.DistanceM != nil {
		ev = ev.Float64("distance_b_m", *sess.StatsB.DistanceM)
	}
	switch {
	case sess.WinnerID == nil:
		ev.Msg("run resolved: dead even")
	case *sess.WinnerID == opts.runnerA:
		ev.Msg("run resolved: runner A wins")
	default:
		ev.Msg("run resolved: runner B wins")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
