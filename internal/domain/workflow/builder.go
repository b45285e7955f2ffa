package workflow

import (
	"context"
	"fmt"
	"sort"
)

// GuardFunc evaluates whether a transition should be allowed.
// A nil return permits the transition; the error explains a refusal.
type GuardFunc func(ctx context.Context) error

// StateMachineBuilder builds a configured state machine
type StateMachineBuilder interface {
	// Configure returns a state configuration for the given state
	Configure(state State) StateConfiguration

	// Validate checks the configured table for structural errors
	Validate() error

	// Build creates a new state machine instance with the given initial state
	Build(initialState State) StateMachine
}

// StateConfiguration configures transitions for a specific state
type StateConfiguration interface {
	// Permit allows a trigger to transition to the target state
	Permit(trigger Trigger, toState State) StateConfiguration

	// PermitIf allows a trigger to transition to the target state if every guard passes
	PermitIf(trigger Trigger, toState State, guards ...GuardFunc) StateConfiguration
}

type transition struct {
	toState State
	guards  []GuardFunc
}

type stateConfig struct {
	fromState   State
	transitions map[Trigger][]transition
}

type stateMachineBuilder struct {
	configurations map[State]*stateConfig
}

// stateMachine is not safe for concurrent use; owners serialize access.
type stateMachine struct {
	currentState   State
	configurations map[State]*stateConfig
}

// NewBuilder creates a new state machine builder
func NewBuilder() StateMachineBuilder {
	return &stateMachineBuilder{
		configurations: make(map[State]*stateConfig),
	}
}

// Configure returns a state configuration for the given state
func (b *stateMachineBuilder) Configure(state State) StateConfiguration {
	if !state.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", state))
	}

	config, exists := b.configurations[state]
	if !exists {
		config = &stateConfig{
			fromState:   state,
			transitions: make(map[Trigger][]transition),
		}
		b.configurations[state] = config
	}

	return config
}

// Validate reports terminal states that were given outgoing transitions.
func (b *stateMachineBuilder) Validate() error {
	for state, config := range b.configurations {
		if state.IsTerminal() && len(config.transitions) > 0 {
			return fmt.Errorf("%w: terminal state %s has outgoing transitions", ErrInvalidState, state)
		}
	}
	return nil
}

// Build creates a new state machine instance with the given initial state
func (b *stateMachineBuilder) Build(initialState State) StateMachine {
	if !initialState.IsValid() {
		panic(fmt.Sprintf("invalid initial state: %s", initialState))
	}

	// Deep copy configurations to ensure immutability
	configsCopy := make(map[State]*stateConfig, len(b.configurations))
	for state, config := range b.configurations {
		transitionsCopy := make(map[Trigger][]transition, len(config.transitions))
		for trigger, transitions := range config.transitions {
			transitionsCopy[trigger] = append([]transition{}, transitions...)
		}
		configsCopy[state] = &stateConfig{
			fromState:   state,
			transitions: transitionsCopy,
		}
	}

	return &stateMachine{
		currentState:   initialState,
		configurations: configsCopy,
	}
}

// Permit allows a trigger to transition to the target state
func (c *stateConfig) Permit(trigger Trigger, toState State) StateConfiguration {
	return c.PermitIf(trigger, toState)
}

// PermitIf allows a trigger to transition to the target state if every guard passes
func (c *stateConfig) PermitIf(trigger Trigger, toState State, guards ...GuardFunc) StateConfiguration {
	if !toState.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", toState))
	}

	c.transitions[trigger] = append(c.transitions[trigger], transition{
		toState: toState,
		guards:  append([]GuardFunc{}, guards...),
	})

	return c
}

// State returns the current state
func (m *stateMachine) State() State {
	return m.currentState
}

// CanFire returns true if the trigger is configured for the current state.
// Guards are not evaluated.
func (m *stateMachine) CanFire(trigger Trigger) bool {
	config, exists := m.configurations[m.currentState]
	if !exists {
		return false
	}
	return len(config.transitions[trigger]) > 0
}

// Fire attempts to execute the trigger, transitioning to the new state if allowed.
// Transitions are tried in configuration order; the first whose guards all pass wins.
func (m *stateMachine) Fire(ctx context.Context, trigger Trigger) error {
	var transitions []transition
	if config, exists := m.configurations[m.currentState]; exists {
		transitions = config.transitions[trigger]
	}

	if len(transitions) == 0 {
		return &InvalidTransitionError{
			Trigger: trigger,
			Current: m.currentState,
			Allowed: m.sourcesOf(trigger),
		}
	}

	var lastErr error
	for _, t := range transitions {
		if err := runGuards(ctx, t.guards); err != nil {
			lastErr = err
			continue
		}
		m.currentState = t.toState
		return nil
	}

	return fmt.Errorf("%w: trigger %s from state %s: %w", ErrGuardFailed, trigger, m.currentState, lastErr)
}

// PermittedTriggers returns all triggers configured for the current state, sorted
func (m *stateMachine) PermittedTriggers() []Trigger {
	config, exists := m.configurations[m.currentState]
	if !exists {
		return []Trigger{}
	}

	triggers := make([]Trigger, 0, len(config.transitions))
	for trigger := range config.transitions {
		triggers = append(triggers, trigger)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })

	return triggers
}

func (m *stateMachine) sourcesOf(trigger Trigger) []State {
	var sources []State
	for _, state := range AllStates() {
		if config, ok := m.configurations[state]; ok && len(config.transitions[trigger]) > 0 {
			sources = append(sources, state)
		}
	}
	return sources
}

func runGuards(ctx context.Context, guards []GuardFunc) error {
	for _, guard := range guards {
		if guard == nil {
			continue
		}
		if err := guard(ctx); err != nil {
			return err
		}
	}
	return nil
}
