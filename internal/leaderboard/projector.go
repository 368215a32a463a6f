package leaderboard

import (
	"context"

	"pulse/internal/dispatch"
	"pulse/internal/events"
	"pulse/internal/logger"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
)

const pnlReaction = "leaderboard-pnl"

// Projector keeps the boards in step with the event streams.
type Projector struct {
	board    *Board
	registry *events.Registry
	emitter  *dispatch.Emitter
	logger   logger.Logger
	topN     int
}

func NewProjector(board *Board, registry *events.Registry, emitter *dispatch.Emitter, log logger.Logger) *Projector {
	return &Projector{
		board:    board,
		registry: registry,
		emitter:  emitter,
		logger:   log.Named("leaderboard"),
		topN:     int(board.snapshotSize),
	}
}

// Register subscribes the projector through d.
func (p *Projector) Register(ctx context.Context, d *dispatch.Dispatcher) ([]*dispatch.Registration, error) {
	updates, err := d.Register(ctx, events.TypeLeaderboardUpdated, "leaderboard-projector", p.applyUpdate)
	if err != nil {
		return nil, err
	}
	closes, err := d.Register(ctx, events.TypePositionClosed, pnlReaction, p.applyClose,
		dispatch.WithFilter(`has(payload.tournament_id) && payload.tournament_id != ""`))
	if err != nil {
		d.Unregister(updates)
		return nil, err
	}
	return []*dispatch.Registration{updates, closes}, nil
}

func (p *Projector) decode(env events.Envelope) (events.Payload, error) {
	payload, err := p.registry.Decode(env)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrSchemaValidation).AsFatal()
	}
	return payload, nil
}

// applyUpdate writes external standings. Updates announced by applyClose are
// skipped: the board already holds their scores, and a late echo would
// overwrite closes scored after it.
func (p *Projector) applyUpdate(ctx context.Context, env events.Envelope) error {
	payload, err := p.decode(env)
	if err != nil {
		return err
	}
	update := payload.(*events.LeaderboardUpdated)

	own, err := p.board.Scored(ctx, update.TournamentID, env.CausationID)
	if err != nil {
		return err
	}
	if own {
		metrics.LeaderboardUpdatesTotal.WithLabelValues("echo").Inc()
		return nil
	}

	if err := p.board.Apply(ctx, *update); err != nil {
		metrics.LeaderboardUpdatesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.LeaderboardUpdatesTotal.WithLabelValues("applied").Inc()
	return nil
}

// applyClose adds realized PnL to the tournament board and announces the new
// top standings as a leaderboard update caused by the close.
func (p *Projector) applyClose(ctx context.Context, env events.Envelope) error {
	payload, err := p.decode(env)
	if err != nil {
		return err
	}
	closed := payload.(*events.PositionClosed)

	score, err := p.board.AddScore(ctx, closed.TournamentID, closed.UserID, closed.RealizedPnL, env.EventID)
	if err != nil {
		metrics.LeaderboardUpdatesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.LeaderboardUpdatesTotal.WithLabelValues("scored").Inc()
	p.logger.DebugwCtx(ctx, "score updated", "room", closed.TournamentID, "user_id", closed.UserID, "score", score)

	top, err := p.board.Range(ctx, closed.TournamentID, 1, p.topN)
	if err != nil {
		return err
	}
	update := events.LeaderboardUpdated{TournamentID: closed.TournamentID}
	for _, e := range top {
		update.Entries = append(update.Entries, events.LeaderboardEntry{UserID: e.UserID, DisplayName: e.DisplayName, Score: e.Score})
	}
	if _, err := p.emitter.Emit(ctx, env, pnlReaction, update); err != nil {
		return err
	}
	return nil
}
