// Package reorder assigns fractional positions to tasks dragged between
// Kanban columns and keeps column views ordered by (position, id).
package reorder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"tasksync/internal/cache"
	"tasksync/internal/metrics"
)

const (
	// EmptyColumnPosition is assigned to the first task dropped into an empty column.
	EmptyColumnPosition = 1.0

	taskEntity = "task"
)

var (
	ErrUnknownTask = errors.New("task is not cached")
	ErrWrongColumn = errors.New("task is not in the source column")
)

type Task struct {
	ID       string  `json:"id"`
	ColumnID string  `json:"columnId"`
	Position float64 `json:"position"`
}

// Request persists a task's column and position and returns the server's
// canonical task.
type Request func(ctx context.Context, task Task) (Task, error)

type Result struct {
	NewPosition float64
	// Ordering is the destination column after the optimistic apply.
	Ordering []Task
	// Renormalized holds the writes that re-sequenced the destination column
	// before the move, if its gap was exhausted. The move's position assumes
	// they succeed.
	Renormalized []*cache.Mutation
}

// TaskKey is the cache key of a task.
func TaskKey(id string) string {
	return cache.Key(taskEntity, id)
}

// Sort orders tasks by position, then id.
func Sort(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// PositionFor returns the position for a task inserted at index of column,
// which must be sorted and must not contain the task itself. It reports false
// when the neighbors are too close for a distinct float between them.
func PositionFor(column []Task, index int) (float64, bool) {
	n := len(column)
	switch {
	case n == 0:
		return EmptyColumnPosition, true
	case index <= 0:
		next := column[0].Position
		pos := next - 1
		return pos, pos < next
	case index >= n:
		prev := column[n-1].Position
		pos := prev + 1
		return pos, pos > prev
	default:
		prev, next := column[index-1].Position, column[index].Position
		pos := prev + (next-prev)/2
		return pos, pos > prev && pos < next
	}
}

// Resolver moves tasks held in a task cache.
type Resolver struct {
	tasks *cache.Cache[Task]
	log   zerolog.Logger
}

func NewResolver(tasks *cache.Cache[Task], logger zerolog.Logger) *Resolver {
	return &Resolver{tasks: tasks, log: logger}
}

// Column returns the tasks of columnID as currently visible in the cache, sorted.
func (r *Resolver) Column(columnID string) []Task {
	var out []Task
	for _, e := range r.tasks.Entries() {
		if strings.HasPrefix(e.Key, taskEntity+":") && e.Value.ColumnID == columnID {
			out = append(out, e.Value)
		}
	}
	Sort(out)
	return out
}

// Move places taskID at targetIndex of toColumn, indexed as if the task were
// already removed from it. The new position is applied
// optimistically; the returned mutation resolves when request confirms it.
// A server position that differs from the guess replaces it silently.
func (r *Resolver) Move(taskID, fromColumn, toColumn string, targetIndex int, request Request) (Result, *cache.Mutation, error) {
	current, _, ok := r.tasks.Read(TaskKey(taskID))
	if !ok {
		return Result{}, nil, fmt.Errorf("move %s: %w", taskID, ErrUnknownTask)
	}
	if current.ColumnID != fromColumn {
		return Result{}, nil, fmt.Errorf("move %s from %s: %w", taskID, fromColumn, ErrWrongColumn)
	}

	dest := without(r.Column(toColumn), taskID)
	pos, ok := PositionFor(dest, targetIndex)
	var renormalized []*cache.Mutation
	if !ok {
		r.log.Info().Str("column_id", toColumn).Int("tasks", len(dest)).Msg("position gap exhausted, renormalizing column")
		renormalized = r.renormalize(dest, request)
		dest = without(r.Column(toColumn), taskID)
		pos, _ = PositionFor(dest, targetIndex)
	}

	moved := current
	moved.ColumnID = toColumn
	moved.Position = pos

	m := r.tasks.Mutate(TaskKey(taskID), func(Task) Task { return moved }, func(ctx context.Context) (Task, error) {
		confirmed, err := request(ctx, moved)
		if err != nil {
			return Task{}, err
		}
		if confirmed.ColumnID != moved.ColumnID || confirmed.Position != moved.Position {
			metrics.StaleWrites.Inc()
			r.log.Info().Err(cache.ErrStaleWrite).
				Str("task_id", taskID).
				Float64("guess", moved.Position).
				Float64("server", confirmed.Position).
				Msg("server replaced optimistic position")
		}
		return confirmed, nil
	})

	return Result{NewPosition: pos, Ordering: r.Column(toColumn), Renormalized: renormalized}, m, nil
}

// Renormalize re-sequences columnID to positions 1..n in its current order
// and persists every task whose position changed.
func (r *Resolver) Renormalize(columnID string, request Request) []*cache.Mutation {
	return r.renormalize(r.Column(columnID), request)
}

func (r *Resolver) renormalize(column []Task, request Request) []*cache.Mutation {
	var mutations []*cache.Mutation
	for i, task := range column {
		pos := float64(i + 1)
		if task.Position == pos {
			continue
		}
		next := task
		next.Position = pos
		mutations = append(mutations, r.tasks.Mutate(TaskKey(task.ID), func(Task) Task { return next }, func(ctx context.Context) (Task, error) {
			return request(ctx, next)
		}))
	}
	return mutations
}

func without(tasks []Task, id string) []Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
