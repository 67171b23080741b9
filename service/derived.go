package service

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridfeed/config"
	"gridfeed/readings"
)

// derivedProgram is one compiled derived-parameter expression. Components
// restricts which component types the parameter applies to; empty means all.
type derivedProgram struct {
	name       string
	program    *vm.Program
	components map[string]struct{}
}

type derivedSet struct {
	programs []derivedProgram
	logger   zerolog.Logger
}

func newDerivedSet(cfgs []config.DerivedParameterConfig, logger zerolog.Logger) (*derivedSet, error) {
	set := &derivedSet{logger: logger.With().Str("component", "derived").Logger()}
	for _, cfg := range cfgs {
		program, err := compileExpression(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("derived parameter %s: %w", cfg.Name, err)
		}
		entry := derivedProgram{name: cfg.Name, program: program}
		if len(cfg.Components) > 0 {
			entry.components = make(map[string]struct{}, len(cfg.Components))
			for _, component := range cfg.Components {
				entry.components[component] = struct{}{}
			}
		}
		set.programs = append(set.programs, entry)
	}
	return set, nil
}

func compileExpression(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
}

func (d *derivedSet) applies(p derivedProgram, component string) bool {
	if len(p.components) == 0 {
		return true
	}
	_, ok := p.components[component]
	return ok
}

// Apply evaluates every matching program against the snapshot and returns a
// copy extended with the derived keys. Evaluation failures are logged and the
// parameter is skipped; a bad expression never poisons the fetched readings.
func (d *derivedSet) Apply(component string, snapshot readings.Snapshot, sections map[string]readings.Snapshot) readings.Snapshot {
	if d == nil || len(d.programs) == 0 {
		return snapshot
	}
	out := snapshot.Clone()
	env := buildEnv(snapshot, sections)
	for _, program := range d.programs {
		if !d.applies(program, component) {
			continue
		}
		value, err := vm.Run(program.program, env)
		if err != nil {
			d.logger.Warn().Err(err).Str("parameter", program.name).Str("component", component).Msg("derived evaluation failed")
			continue
		}
		if value == nil {
			continue
		}
		out[program.name] = normalizeDerived(value)
	}
	return out
}

// buildEnv flattens the snapshot into expression variables. Decimals become
// float64 so arithmetic operators work; the raw snapshot and the full
// per-section view stay reachable under "readings" and "sections".
func buildEnv(snapshot readings.Snapshot, sections map[string]readings.Snapshot) map[string]interface{} {
	env := make(map[string]interface{}, len(snapshot)+2)
	for key, value := range snapshot {
		env[key] = exprValue(value)
	}
	flat := make(map[string]interface{}, len(snapshot))
	for key, value := range snapshot {
		flat[key] = exprValue(value)
	}
	env["readings"] = flat
	if len(sections) > 0 {
		all := make(map[string]interface{}, len(sections))
		for name, section := range sections {
			converted := make(map[string]interface{}, len(section))
			for key, value := range section {
				converted[key] = exprValue(value)
			}
			all[name] = converted
		}
		env["sections"] = all
	}
	return env
}

func exprValue(value interface{}) interface{} {
	if dec, ok := value.(decimal.Decimal); ok {
		return dec.InexactFloat64()
	}
	return value
}

func normalizeDerived(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v).Round(3)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	default:
		return v
	}
}
