// Package difficulty keeps one bounded difficulty scalar per game and nudges
// it toward a target accuracy and reaction-time band after every session.
package difficulty

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/wshang12/BrainTraining/internal/kv"
	"github.com/wshang12/BrainTraining/internal/observability"
)

// Params are the controller constants. A positive accuracy delta or a
// reaction time under target means the game is too easy.
type Params struct {
	Default          float64
	Min              float64
	Max              float64
	TargetAccuracy   float64
	TargetReactionMs float64
	AccuracyWeight   float64
	ReactionWeight   float64
}

func DefaultParams() Params {
	return Params{
		Default:          0.7,
		Min:              0.2,
		Max:              1.8,
		TargetAccuracy:   0.8,
		TargetReactionMs: 800,
		AccuracyWeight:   0.4,
		ReactionWeight:   0.2,
	}
}

func (p Params) Validate() error {
	if !(p.Min < p.Max) {
		return fmt.Errorf("difficulty min %.2f must be below max %.2f", p.Min, p.Max)
	}
	if p.Default < p.Min || p.Default > p.Max {
		return fmt.Errorf("difficulty default %.2f outside [%.2f, %.2f]", p.Default, p.Min, p.Max)
	}
	if p.TargetAccuracy <= 0 || p.TargetAccuracy > 1 {
		return fmt.Errorf("target accuracy must be within (0,1]")
	}
	if p.TargetReactionMs <= 0 {
		return fmt.Errorf("target reaction time must be positive")
	}
	if p.AccuracyWeight < 0 || p.ReactionWeight < 0 {
		return fmt.Errorf("difficulty weights must be non-negative")
	}
	return nil
}

// Clamp bounds v to [p.Min, p.Max].
func (p Params) Clamp(v float64) float64 {
	return math.Max(p.Min, math.Min(p.Max, v))
}

// Next applies one adjustment step to current. NaN inputs leave current unchanged.
func (p Params) Next(current, accuracy, meanReactionMs float64) float64 {
	accDelta := accuracy - p.TargetAccuracy
	rtDelta := (p.TargetReactionMs - meanReactionMs) / p.TargetReactionMs
	next := current + p.AccuracyWeight*accDelta + p.ReactionWeight*rtDelta
	if math.IsNaN(next) {
		return p.Clamp(current)
	}
	return p.Clamp(next)
}

// Key is the storage key holding the scalar for gameID.
func Key(gameID string) string { return "difficulty_" + gameID }

// Controller reads and writes difficulty for one user through store.
type Controller struct {
	store   kv.Store
	params  Params
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

func New(store kv.Store, params Params, log logrus.FieldLogger, metrics *observability.Metrics) *Controller {
	if log == nil {
		log = observability.Discard()
	}
	return &Controller{store: store, params: params, log: log, metrics: metrics}
}

func (c *Controller) Params() Params { return c.params }

// Get returns the stored value for gameID clamped to bounds, or fallback when
// nothing usable is stored. It never fails.
func (c *Controller) Get(ctx context.Context, gameID string, fallback float64) float64 {
	raw, ok, err := c.store.Get(ctx, Key(gameID))
	if err != nil {
		c.log.WithError(err).WithField("game_id", gameID).Warn("difficulty read failed; using fallback")
		return fallback
	}
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		c.log.WithField("game_id", gameID).WithField("value", raw).Warn("stored difficulty is not a number; using fallback")
		return fallback
	}
	return c.params.Clamp(v)
}

// Adjust computes the next value from one session, stores it and returns it.
// The returned value is valid even when the write fails.
func (c *Controller) Adjust(ctx context.Context, gameID string, accuracy, meanReactionMs float64) (float64, error) {
	current := c.Get(ctx, gameID, c.params.Default)
	next := c.params.Next(current, accuracy, meanReactionMs)
	c.metrics.DifficultyAdjusted(gameID, next)
	if err := c.store.Set(ctx, Key(gameID), strconv.FormatFloat(next, 'f', -1, 64)); err != nil {
		c.log.WithError(err).WithField("game_id", gameID).Warn("difficulty write failed")
		return next, fmt.Errorf("store difficulty for %s: %w", gameID, err)
	}
	c.log.WithFields(logrus.Fields{
		"game_id":  gameID,
		"previous": current,
		"next":     next,
	}).Debug("difficulty adjusted")
	return next, nil
}
