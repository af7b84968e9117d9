// Package rules evaluates ordered sets of interval-scoped rules
// (calibration, range flagging, manual quality flags, value overrides)
// against a normalized frame, column by column.
package rules

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Knetic/govaluate"

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

// Engine applies a group's rule bundle plus the global value-range
// table. The four rule kinds are evaluated independently, in the fixed
// order rename → calibration → range → quality → override.
type Engine struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	ranges  []models.RangeRule
}

// Report summarizes one rule pass.
type Report struct {
	CalibratedCells int
	FlaggedCells    int
	OverriddenCells int
	SkippedRules    int
}

// NewEngine creates a rule engine with the global range table.
func NewEngine(logger *logging.StructuredLogger, metricsCollector *metrics.Collector, ranges []models.RangeRule) *Engine {
	return &Engine{
		logger:  logger,
		metrics: metricsCollector,
		ranges:  ranges,
	}
}

// Apply runs the full rule pass for one group. A malformed rule is
// logged, counted and skipped; sibling rules still apply.
func (e *Engine) Apply(ctx context.Context, frame *models.Frame, group *models.Group) *Report {
	report := &Report{}
	bundle := group.Rules

	frame.RenameColumns(bundle.Renames)

	for i, rule := range bundle.Calibration {
		if err := e.applyCalibration(frame, rule, report); err != nil {
			report.SkippedRules++
			e.metrics.RecordRuleError("calibration")
			e.logger.Warn(ctx, "[RULE_SKIP] Calibration rule skipped", logging.Fields{
				"group":  group.ID,
				"rule":   i,
				"column": rule.Column,
				"reason": err.Error(),
			})
		}
	}

	e.applyRanges(frame, report)

	for i, rule := range bundle.Quality {
		if err := e.applyQuality(frame, rule, report); err != nil {
			report.SkippedRules++
			e.metrics.RecordRuleError("quality")
			e.logger.Warn(ctx, "[RULE_SKIP] Quality rule skipped", logging.Fields{
				"group":  group.ID,
				"rule":   i,
				"column": rule.Column,
				"reason": err.Error(),
			})
		}
	}

	for i, rule := range bundle.Overrides {
		if err := e.applyOverride(frame, rule, report); err != nil {
			report.SkippedRules++
			e.metrics.RecordRuleError("override")
			e.logger.Warn(ctx, "[RULE_SKIP] Override rule skipped", logging.Fields{
				"group":  group.ID,
				"rule":   i,
				"column": rule.Column,
				"reason": err.Error(),
			})
		}
	}

	e.flagMissing(frame, report)
	return report
}

func (e *Engine) applyCalibration(frame *models.Frame, rule models.CalibrationRule, report *Report) error {
	if rule.End.Before(rule.Start) {
		return fmt.Errorf("window end %v before start %v", rule.End, rule.Start)
	}
	idx := filterByFile(frame, frame.MaskRange(rule.Start, rule.End), rule.FileFilter)
	if len(idx) == 0 {
		return nil
	}

	switch rule.Kind {
	case models.CalibrationScale:
		col := frame.Column(rule.Column)
		if col == nil {
			return fmt.Errorf("unknown column %q", rule.Column)
		}
		for _, i := range idx {
			if !math.IsNaN(col[i]) {
				col[i] = col[i]*rule.Multiplier + rule.Addend
				report.CalibratedCells++
			}
		}

	case models.CalibrationFormula:
		col := frame.Column(rule.Column)
		if col == nil {
			return fmt.Errorf("unknown column %q", rule.Column)
		}
		expr, err := govaluate.NewEvaluableExpression(rule.Formula)
		if err != nil {
			return fmt.Errorf("bad formula %q: %w", rule.Formula, err)
		}
		params := make(map[string]interface{}, len(rule.Constants)+1)
		for k, v := range rule.Constants {
			params[k] = v
		}
		for _, i := range idx {
			if math.IsNaN(col[i]) {
				continue
			}
			params["x"] = col[i]
			out, err := expr.Evaluate(params)
			if err != nil {
				return fmt.Errorf("formula %q: %w", rule.Formula, err)
			}
			v, ok := out.(float64)
			if !ok {
				return fmt.Errorf("formula %q yields non-numeric result", rule.Formula)
			}
			col[i] = v
			report.CalibratedCells++
		}

	case models.CalibrationSwap:
		return e.applySwap(frame, rule, idx, report)
	}
	return nil
}

// applySwap evaluates a set of temporary expressions over the masked
// rows and copies the assigned temporaries into their final columns,
// restricted to the mask. Temporaries never leave this function.
func (e *Engine) applySwap(frame *models.Frame, rule models.CalibrationRule, idx []int, report *Report) error {
	temps := make(map[string][]float64, len(rule.SwapExprs))

	for name, exprText := range rule.SwapExprs {
		expr, err := govaluate.NewEvaluableExpression(exprText)
		if err != nil {
			return fmt.Errorf("bad swap expression %q: %w", exprText, err)
		}
		vars := expr.Vars()
		tmp := make([]float64, frame.Len())
		for _, i := range idx {
			params := make(map[string]interface{}, len(vars)+len(rule.Constants))
			for k, v := range rule.Constants {
				params[k] = v
			}
			for _, v := range vars {
				if _, isConst := rule.Constants[v]; isConst {
					continue
				}
				col := frame.Column(v)
				if col == nil {
					return fmt.Errorf("swap expression %q references unknown column %q", exprText, v)
				}
				params[v] = col[i]
			}
			out, err := expr.Evaluate(params)
			if err != nil {
				return fmt.Errorf("swap expression %q: %w", exprText, err)
			}
			v, ok := out.(float64)
			if !ok {
				return fmt.Errorf("swap expression %q yields non-numeric result", exprText)
			}
			tmp[i] = v
		}
		temps[name] = tmp
	}

	for dest, tempName := range rule.SwapAssign {
		tmp, ok := temps[tempName]
		if !ok {
			return fmt.Errorf("swap assigns unknown temporary %q", tempName)
		}
		col := frame.Column(dest)
		if col == nil {
			col = frame.AddColumn(dest)
		}
		for _, i := range idx {
			col[i] = tmp[i]
			report.CalibratedCells++
		}
	}
	return nil
}

// applyRanges flags every value outside its configured [min, max].
// Range codes apply first and are never downgraded afterwards.
func (e *Engine) applyRanges(frame *models.Frame, report *Report) {
	for _, rule := range e.ranges {
		for _, name := range frame.VariableColumns() {
			if !strings.HasPrefix(name, rule.Prefix) {
				continue
			}
			col := frame.Column(name)
			var flags []float64
			for i, v := range col {
				if math.IsNaN(v) || (v >= rule.Min && v <= rule.Max) {
					continue
				}
				if flags == nil {
					flags = frame.EnsureFlagColumn(name)
				}
				if flags[i] == models.FlagGood {
					flags[i] = float64(rule.Code)
					report.FlaggedCells++
					e.metrics.FlaggedCellsTotal.WithLabelValues("range").Inc()
				}
			}
		}
	}
}

// applyQuality sets a manual flag code for the masked rows. A quality
// rule never downgrades: it writes only where the flag is still good,
// so range codes and structurally-missing markers survive.
func (e *Engine) applyQuality(frame *models.Frame, rule models.QualityRule, report *Report) error {
	if rule.End.Before(rule.Start) {
		return fmt.Errorf("window end %v before start %v", rule.End, rule.Start)
	}
	idx := filterByFile(frame, frame.MaskRange(rule.Start, rule.End), rule.FileFilter)
	if len(idx) == 0 {
		return nil
	}

	var columns []string
	if rule.Column == "*" {
		columns = frame.VariableColumns()
	} else {
		if !frame.HasColumn(rule.Column) {
			return fmt.Errorf("unknown column %q", rule.Column)
		}
		columns = []string{rule.Column}
	}

	for _, name := range columns {
		flags := frame.EnsureFlagColumn(name)
		for _, i := range idx {
			if flags[i] == models.FlagGood {
				flags[i] = float64(rule.Code)
				report.FlaggedCells++
				e.metrics.FlaggedCellsTotal.WithLabelValues("quality").Inc()
			}
		}
	}
	return nil
}

func (e *Engine) applyOverride(frame *models.Frame, rule models.OverrideRule, report *Report) error {
	if rule.End.Before(rule.Start) {
		return fmt.Errorf("window end %v before start %v", rule.End, rule.Start)
	}
	col := frame.Column(rule.Column)
	if col == nil {
		return fmt.Errorf("unknown column %q", rule.Column)
	}
	for _, i := range frame.MaskRange(rule.Start, rule.End) {
		col[i] = rule.Value
		report.OverriddenCells++
	}
	return nil
}

// flagMissing marks every still-unflagged NaN cell as structurally
// missing. The value stays NaN: a 99 cell is "no data", never zero.
func (e *Engine) flagMissing(frame *models.Frame, report *Report) {
	for _, name := range frame.VariableColumns() {
		col := frame.Column(name)
		hasNaN := false
		for _, v := range col {
			if math.IsNaN(v) {
				hasNaN = true
				break
			}
		}
		if !hasNaN {
			continue
		}
		flags := frame.EnsureFlagColumn(name)
		for i, v := range col {
			if math.IsNaN(v) && flags[i] == models.FlagGood {
				flags[i] = models.FlagMissing
				e.metrics.FlaggedCellsTotal.WithLabelValues("missing").Inc()
			}
		}
	}
}

// filterByFile narrows a row mask to rows decoded from files whose name
// contains the filter substring. An empty filter keeps every row.
func filterByFile(frame *models.Frame, idx []int, filter string) []int {
	if filter == "" {
		return idx
	}
	out := idx[:0]
	for _, i := range idx {
		if strings.Contains(frame.Source(i).File, filter) {
			out = append(out, i)
		}
	}
	return out
}
