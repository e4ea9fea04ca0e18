package workflow

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// StepFunc transforms the agent state.
type StepFunc func(ctx context.Context, s AgentState) AgentState

// RouteFunc selects the next step from the state.
type RouteFunc func(s AgentState) StepName

const defaultMaxSteps = 32

// Graph is a directed graph of steps with one entry and the End terminal.
type Graph struct {
	entry    StepName
	nodes    map[StepName]StepFunc
	edges    map[StepName]StepName
	routes   map[StepName]RouteFunc
	maxSteps int
	logger   zerolog.Logger
}

// NewGraph creates an empty graph starting at entry.
func NewGraph(entry StepName, logger zerolog.Logger) *Graph {
	return &Graph{
		entry:    entry,
		nodes:    make(map[StepName]StepFunc),
		edges:    make(map[StepName]StepName),
		routes:   make(map[StepName]RouteFunc),
		maxSteps: defaultMaxSteps,
		logger:   logger,
	}
}

// AddNode registers a step.
func (g *Graph) AddNode(name StepName, fn StepFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge adds an unconditional edge.
func (g *Graph) AddEdge(from, to StepName) *Graph {
	g.edges[from] = to
	return g
}

// AddConditionalEdge routes from a step through fn.
func (g *Graph) AddConditionalEdge(from StepName, fn RouteFunc) *Graph {
	g.routes[from] = fn
	return g
}

// Validate checks that every node has exactly one way out and that static
// edges point at known nodes.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry %q is not a node", g.entry)
	}
	for name := range g.nodes {
		_, static := g.edges[name]
		_, routed := g.routes[name]
		if static == routed {
			return fmt.Errorf("node %q needs exactly one outgoing edge", name)
		}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node %q", from)
		}
		if _, ok := g.nodes[to]; !ok && to != End {
			return fmt.Errorf("edge %q -> unknown node %q", from, to)
		}
	}
	return nil
}

func (g *Graph) next(from StepName, s AgentState) (StepName, error) {
	if route, ok := g.routes[from]; ok {
		to := route(s)
		if _, known := g.nodes[to]; !known && to != End {
			return "", fmt.Errorf("route from %q returned unknown step %q", from, to)
		}
		return to, nil
	}
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	return "", fmt.Errorf("no edge out of %q", from)
}

// Walk runs the graph from the entry, yielding each step with the state it
// produced. The sequence ends after the terminal step, when ctx is done or
// when the consumer stops; only the first case reaches StepSendResponse's
// successor.
func (g *Graph) Walk(ctx context.Context, state AgentState) iter.Seq2[StepName, AgentState] {
	return func(yield func(StepName, AgentState) bool) {
		logger := tracing.LoggerFromContext(ctx, g.logger)
		current := g.entry

		for steps := 0; current != End; steps++ {
			if ctx.Err() != nil {
				logger.Debug().Str("step", string(current)).Msg("Walk cancelled")
				return
			}
			if steps >= g.maxSteps {
				logger.Error().Int("steps", steps).Msg("Walk exceeded step limit")
				return
			}

			state = g.run(ctx, current, state)
			if !yield(current, state) {
				return
			}

			next, err := g.next(current, state)
			if err != nil {
				logger.Error().Err(err).Msg("Walk stopped")
				return
			}
			current = next
		}
	}
}

func (g *Graph) run(ctx context.Context, name StepName, state AgentState) AgentState {
	ctx, span := tracing.StartSpan(ctx, "screencraft.workflow", "workflow.step",
		attribute.String("step", string(name)),
	)
	defer span.End()

	hadError := state.Error != ""
	start := time.Now()
	state = g.nodes[name](ctx, state)
	failed := !hadError && state.Error != ""

	if failed {
		span.SetAttributes(attribute.String("agent_error", state.Error))
	}
	observability.RecordStep(string(name), time.Since(start), !failed)
	return state
}

// newTurnGraph wires the screen editing workflow.
func newTurnGraph(steps *Steps, logger zerolog.Logger) (*Graph, error) {
	g := NewGraph(StepAnalyzeIntent, logger).
		AddNode(StepAnalyzeIntent, steps.AnalyzeIntent).
		AddNode(StepSearchKnowledgeBase, steps.SearchKnowledgeBase).
		AddNode(StepSummariseView, steps.SummariseView).
		AddNode(StepEditImage, steps.EditImage).
		AddNode(StepFeedbackLoop, steps.FeedbackLoop).
		AddNode(StepGenerateResponse, steps.GenerateResponse).
		AddNode(StepSendResponse, steps.SendResponse).
		AddConditionalEdge(StepAnalyzeIntent, AfterIntent).
		AddConditionalEdge(StepFeedbackLoop, AfterFeedback).
		AddEdge(StepSearchKnowledgeBase, StepSummariseView).
		AddEdge(StepSummariseView, StepEditImage).
		AddEdge(StepEditImage, StepGenerateResponse).
		AddEdge(StepGenerateResponse, StepSendResponse).
		AddEdge(StepSendResponse, End)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
