package sim

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/metrics"
	"github.com/stakeforge/arena-engine/internal/physics"
	"github.com/stakeforge/arena-engine/internal/settle"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// inputQueueSize bounds the inbound channel. Sessions already coalesce to
// the tick rate, so a full queue means a flood; overflow is dropped.
const inputQueueSize = 256

// maxTickFaults is how many consecutive faulted ticks the runner tolerates
// before it gives up and aborts the match for refund.
const maxTickFaults = 3

type inputMsg struct {
	playerID uuid.UUID
	frame    physics.Input
}

// Callbacks connect a Runner to the lifecycle controller. OnFinish settles
// the match and returns the RESULT frame to broadcast; a nil error is the
// only path that reveals the seed. OnAbort refunds.
type Callbacks struct {
	OnPhase  func(phase models.MatchState)
	OnFinish func(reason string, standings []settle.Standing) (*models.Result, error)
	OnAbort  func(cause error)
}

// Runner owns one match: exactly one goroutine steps the simulation, all
// other parties talk to it through SubmitInput and the Hub.
type Runner struct {
	match   *Match
	hub     *Hub
	cb      Callbacks
	inputs  chan inputMsg
	dropped atomic.Int64
	done    chan struct{}
}

func NewRunner(match *Match, cb Callbacks) *Runner {
	return &Runner{
		match:  match,
		hub:    NewHub(),
		cb:     cb,
		inputs: make(chan inputMsg, inputQueueSize),
		done:   make(chan struct{}),
	}
}

// Hub exposes the fan-out for sessions to subscribe to.
func (r *Runner) Hub() *Hub { return r.hub }

// MatchID identifies the underlying match.
func (r *Runner) MatchID() uuid.UUID { return r.match.cfg.MatchID }

// Done closes when the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// DroppedInputs reports inputs lost to queue overflow.
func (r *Runner) DroppedInputs() int64 { return r.dropped.Load() }

// SubmitInput queues one input frame without ever blocking the caller.
func (r *Runner) SubmitInput(playerID uuid.UUID, frame physics.Input) {
	select {
	case r.inputs <- inputMsg{playerID: playerID, frame: frame}:
	default:
		r.dropped.Add(1)
		metrics.InputDropped()
	}
}

// Run drives the match at the configured tick rate until an end condition
// or context cancellation. It must be called exactly once, on its own
// goroutine.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	defer r.hub.Close()

	rate := r.match.cfg.TickRate
	log.Printf("[Sim] match=%s starting: %d players, %d Hz, map radius %.0f",
		r.MatchID(), len(r.match.cells), rate, r.match.cfg.MapRadius)

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	metrics.MatchStarted()
	defer metrics.MatchEnded()

	// Latest frame per player, carried across ticks: a held direction keeps
	// applying until the client sends a new frame.
	pending := make(map[uuid.UUID]physics.Input)
	lastPhase := r.match.Phase()
	faults := 0

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sim] match=%s aborted: %v", r.MatchID(), ctx.Err())
			end := models.GameEvent{Type: models.EventEnd, Tick: r.match.Tick(), Reason: EndAborted}
			r.hub.Broadcast(models.ServerMessage{Type: models.MsgEvent, Event: &end})
			if r.cb.OnAbort != nil {
				r.cb.OnAbort(ctx.Err())
			}
			return

		case in := <-r.inputs:
			pending[in.playerID] = in.frame

		case <-ticker.C:
			r.drainInputs(pending)

			started := time.Now()
			events, err := r.step(pending)
			metrics.TickObserved(string(r.match.Phase()), time.Since(started).Seconds())
			if err != nil {
				faults++
				metrics.TickFault()
				log.Printf("[Sim] match=%s tick fault %d/%d: %v", r.MatchID(), faults, maxTickFaults, err)
				if faults < maxTickFaults {
					continue
				}
				if r.cb.OnAbort != nil {
					r.cb.OnAbort(fmt.Errorf("simulation unstable: %v", err))
				}
				return
			}
			faults = 0

			if phase := r.match.Phase(); phase != lastPhase {
				lastPhase = phase
				if r.cb.OnPhase != nil {
					r.cb.OnPhase(phase)
				}
			}

			for i := range events {
				ev := events[i]
				r.hub.Broadcast(models.ServerMessage{Type: models.MsgEvent, Event: &ev})
			}
			r.hub.Broadcast(models.ServerMessage{Type: models.MsgSnapshot, Snapshot: r.match.Snapshot()})

			if r.match.Finished() {
				r.finish()
				return
			}
		}
	}
}

func (r *Runner) finish() {
	reason := r.match.EndReason()
	log.Printf("[Sim] match=%s finished after %d ticks (%s)", r.MatchID(), r.match.Tick(), reason)

	result, err := r.cb.OnFinish(reason, r.match.Standings())
	if err != nil {
		log.Printf("[Sim] match=%s settlement failed: %v", r.MatchID(), err)
		if r.cb.OnAbort != nil {
			r.cb.OnAbort(err)
		}
		return
	}
	// The RESULT frame is the reveal: placements plus seed and nonce. The
	// hub close (deferred) lands after this send, so subscribers still
	// drain it.
	r.hub.Broadcast(models.ServerMessage{Type: models.MsgResult, Result: result})
}

// step advances the match one tick, converting a panic anywhere in the
// physics pipeline into an error so a single poisoned tick cannot take the
// process down with it.
func (r *Runner) step(pending map[uuid.UUID]physics.Input) (events []models.GameEvent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tick %d panicked: %v", r.match.Tick(), rec)
		}
	}()
	return r.match.Step(pending), nil
}

// drainInputs empties the queue before a tick so a burst arriving between
// ticks coalesces to one frame per player.
func (r *Runner) drainInputs(pending map[uuid.UUID]physics.Input) {
	for {
		select {
		case in := <-r.inputs:
			pending[in.playerID] = in.frame
		default:
			return
		}
	}
}
