package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"telemetry-pipeline/internal/chronology"
	"telemetry-pipeline/internal/models"
)

// GroupsConfig is the fully-resolved group configuration: every alias
// into the shared section has been replaced by its target and every
// loose rule record has been decoded into its concrete variant.
type GroupsConfig struct {
	Ranges []models.RangeRule
	Groups []*models.Group
}

// Group returns the group with the given ID.
func (c *GroupsConfig) Group(id string) (*models.Group, error) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, &models.NotFoundError{Resource: "group", ID: id}
}

// raw YAML shapes. Rule lists are loose records; their concrete kind is
// decided here, once, never per row.
type groupsFile struct {
	Ranges []rangeSpec `yaml:"ranges"`
	Shared sharedSpec  `yaml:"shared"`
	Groups []groupSpec `yaml:"groups"`
}

type sharedSpec struct {
	Cutovers    map[string]cutoverSpec              `yaml:"cutovers"`
	Calibration map[string][]map[string]interface{} `yaml:"calibration"`
	Quality     map[string][]map[string]interface{} `yaml:"quality"`
	Renames     map[string]map[string]string        `yaml:"renames"`
}

type rangeSpec struct {
	Prefix string  `yaml:"prefix"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Code   int     `yaml:"code"`
}

type cutoverSpec struct {
	SourceTZ   string `yaml:"source_tz"`
	CutoverEnd string `yaml:"cutover_end"`
	PostTZ     string `yaml:"post_tz"`
	TargetTZ   string `yaml:"target_tz"`
}

type shiftSpec struct {
	Start       string  `yaml:"start" mapstructure:"start"`
	End         string  `yaml:"end" mapstructure:"end"`
	OffsetHours float64 `yaml:"offset_hours" mapstructure:"offset_hours"`
}

type groupSpec struct {
	ID          string                   `yaml:"id"`
	Station     string                   `yaml:"station"`
	Interval    string                   `yaml:"interval"`
	Tolerance   string                   `yaml:"tolerance"`
	Claims      []string                 `yaml:"claims"`
	Destination string                   `yaml:"destination"`
	Cutover     interface{}              `yaml:"cutover"` // alias string or inline cutoverSpec
	Shifts      []shiftSpec              `yaml:"shifts"`
	Calibration interface{}              `yaml:"calibration"` // alias string or inline rule list
	Quality     interface{}              `yaml:"quality"`
	Overrides   []map[string]interface{} `yaml:"overrides"`
	Renames     interface{}              `yaml:"renames"` // alias string or inline map
}

// LoadGroups parses and fully resolves the group configuration file.
// Unlike individual malformed rules at run time, a file that cannot be
// resolved is a configuration error and fails the invocation.
func LoadGroups(path string) (*GroupsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups config %s: %w", path, err)
	}
	var file groupsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse groups config %s: %w", path, err)
	}

	cfg := &GroupsConfig{}
	for _, r := range file.Ranges {
		code := r.Code
		if code == 0 {
			code = models.FlagOutOfRange
		}
		cfg.Ranges = append(cfg.Ranges, models.RangeRule{
			Prefix: r.Prefix, Min: r.Min, Max: r.Max, Code: code,
		})
	}

	for _, gs := range file.Groups {
		group, err := resolveGroup(gs, &file.Shared)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", gs.ID, err)
		}
		cfg.Groups = append(cfg.Groups, group)
	}
	return cfg, nil
}

func resolveGroup(gs groupSpec, shared *sharedSpec) (*models.Group, error) {
	if gs.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	interval, err := time.ParseDuration(gs.Interval)
	if err != nil || interval <= 0 {
		return nil, fmt.Errorf("bad interval %q", gs.Interval)
	}
	tolerance := chronology.DefaultTolerance
	if gs.Tolerance != "" {
		tolerance, err = time.ParseDuration(gs.Tolerance)
		if err != nil || tolerance < 0 {
			return nil, fmt.Errorf("bad tolerance %q", gs.Tolerance)
		}
	}
	dest := gs.Destination
	if dest == "" {
		dest = gs.ID
	}

	group := &models.Group{
		ID:          gs.ID,
		Station:     gs.Station,
		Interval:    interval,
		Tolerance:   tolerance,
		Claims:      gs.Claims,
		Destination: dest,
	}

	if group.Rules.Cutover, err = resolveCutover(gs.Cutover, shared); err != nil {
		return nil, err
	}
	for i, s := range gs.Shifts {
		win, err := resolveShift(s)
		if err != nil {
			return nil, fmt.Errorf("shift %d: %w", i, err)
		}
		group.Rules.Shifts = append(group.Rules.Shifts, win)
	}
	calSpecs, err := resolveRuleList(gs.Calibration, shared.Calibration, "calibration")
	if err != nil {
		return nil, err
	}
	for i, rec := range calSpecs {
		rule, err := decodeCalibration(rec)
		if err != nil {
			return nil, fmt.Errorf("calibration rule %d: %w", i, err)
		}
		group.Rules.Calibration = append(group.Rules.Calibration, rule)
	}
	qualSpecs, err := resolveRuleList(gs.Quality, shared.Quality, "quality")
	if err != nil {
		return nil, err
	}
	for i, rec := range qualSpecs {
		rule, err := decodeQuality(rec)
		if err != nil {
			return nil, fmt.Errorf("quality rule %d: %w", i, err)
		}
		group.Rules.Quality = append(group.Rules.Quality, rule)
	}
	for i, rec := range gs.Overrides {
		rule, err := decodeOverride(rec)
		if err != nil {
			return nil, fmt.Errorf("override rule %d: %w", i, err)
		}
		group.Rules.Overrides = append(group.Rules.Overrides, rule)
	}
	if group.Rules.Renames, err = resolveRenames(gs.Renames, shared); err != nil {
		return nil, err
	}
	return group, nil
}

func resolveCutover(v interface{}, shared *sharedSpec) (*models.TimezoneCutover, error) {
	if v == nil {
		return nil, nil
	}
	var spec cutoverSpec
	switch t := v.(type) {
	case string:
		s, ok := shared.Cutovers[t]
		if !ok {
			return nil, fmt.Errorf("unknown cutover alias %q", t)
		}
		spec = s
	default:
		if err := mapstructure.Decode(v, &spec); err != nil {
			return nil, fmt.Errorf("bad cutover config: %w", err)
		}
	}
	end, err := parseRuleTime(spec.CutoverEnd)
	if err != nil {
		return nil, fmt.Errorf("bad cutover_end: %w", err)
	}
	if spec.SourceTZ == "" || spec.PostTZ == "" || spec.TargetTZ == "" {
		return nil, fmt.Errorf("cutover needs source_tz, post_tz and target_tz")
	}
	return &models.TimezoneCutover{
		SourceTZ:   spec.SourceTZ,
		CutoverEnd: end,
		PostTZ:     spec.PostTZ,
		TargetTZ:   spec.TargetTZ,
	}, nil
}

func resolveShift(s shiftSpec) (models.ShiftWindow, error) {
	start, err := parseRuleTime(s.Start)
	if err != nil {
		return models.ShiftWindow{}, fmt.Errorf("bad start: %w", err)
	}
	end, err := parseRuleTime(s.End)
	if err != nil {
		return models.ShiftWindow{}, fmt.Errorf("bad end: %w", err)
	}
	return models.ShiftWindow{Start: start, End: end, OffsetHours: s.OffsetHours}, nil
}

// resolveRuleList accepts either an inline rule list or a string alias
// into the shared section.
func resolveRuleList(v interface{}, shared map[string][]map[string]interface{}, kind string) ([]map[string]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		list, ok := shared[t]
		if !ok {
			return nil, fmt.Errorf("unknown %s alias %q", kind, t)
		}
		return list, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s rules must be mappings", kind)
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a rule list or an alias string", kind)
	}
}

func resolveRenames(v interface{}, shared *sharedSpec) (map[string]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		m, ok := shared.Renames[t]
		if !ok {
			return nil, fmt.Errorf("unknown renames alias %q", t)
		}
		return m, nil
	default:
		var m map[string]string
		if err := mapstructure.Decode(v, &m); err != nil {
			return nil, fmt.Errorf("bad renames: %w", err)
		}
		return m, nil
	}
}

// calibrationSpec covers all three calibration shapes; the kind is
// picked from which keys the record carries.
type calibrationSpec struct {
	Column     string             `mapstructure:"column"`
	Start      string             `mapstructure:"start"`
	End        string             `mapstructure:"end"`
	File       string             `mapstructure:"file"`
	Multiplier *float64           `mapstructure:"multiplier"`
	Addend     *float64           `mapstructure:"addend"`
	Formula    string             `mapstructure:"formula"`
	Constants  map[string]float64 `mapstructure:"constants"`
	SwapExprs  map[string]string  `mapstructure:"swap_exprs"`
	SwapAssign map[string]string  `mapstructure:"swap_assign"`
}

func decodeCalibration(rec map[string]interface{}) (models.CalibrationRule, error) {
	var spec calibrationSpec
	if err := mapstructure.Decode(rec, &spec); err != nil {
		return models.CalibrationRule{}, err
	}
	start, end, err := parseWindow(spec.Start, spec.End)
	if err != nil {
		return models.CalibrationRule{}, err
	}

	rule := models.CalibrationRule{
		Column:     spec.Column,
		Start:      start,
		End:        end,
		FileFilter: spec.File,
		Constants:  spec.Constants,
	}
	switch {
	case len(spec.SwapExprs) > 0:
		if len(spec.SwapAssign) == 0 {
			return rule, fmt.Errorf("swap rule without swap_assign")
		}
		rule.Kind = models.CalibrationSwap
		rule.SwapExprs = spec.SwapExprs
		rule.SwapAssign = spec.SwapAssign
	case spec.Formula != "":
		if spec.Column == "" {
			return rule, fmt.Errorf("formula rule without column")
		}
		rule.Kind = models.CalibrationFormula
		rule.Formula = spec.Formula
	default:
		if spec.Column == "" {
			return rule, fmt.Errorf("calibration rule without column")
		}
		rule.Kind = models.CalibrationScale
		rule.Multiplier = 1
		if spec.Multiplier != nil {
			rule.Multiplier = *spec.Multiplier
		}
		if spec.Addend != nil {
			rule.Addend = *spec.Addend
		}
	}
	return rule, nil
}

type qualitySpec struct {
	Column string `mapstructure:"column"`
	Start  string `mapstructure:"start"`
	End    string `mapstructure:"end"`
	Code   int    `mapstructure:"code"`
	File   string `mapstructure:"file"`
}

func decodeQuality(rec map[string]interface{}) (models.QualityRule, error) {
	var spec qualitySpec
	if err := mapstructure.Decode(rec, &spec); err != nil {
		return models.QualityRule{}, err
	}
	start, end, err := parseWindow(spec.Start, spec.End)
	if err != nil {
		return models.QualityRule{}, err
	}
	if spec.Column == "" {
		return models.QualityRule{}, fmt.Errorf("quality rule without column")
	}
	if spec.Code <= 0 {
		return models.QualityRule{}, fmt.Errorf("quality rule needs a positive code")
	}
	return models.QualityRule{
		Column:     spec.Column,
		Start:      start,
		End:        end,
		Code:       spec.Code,
		FileFilter: spec.File,
	}, nil
}

type overrideSpec struct {
	Column string  `mapstructure:"column"`
	Start  string  `mapstructure:"start"`
	End    string  `mapstructure:"end"`
	Value  float64 `mapstructure:"value"`
}

func decodeOverride(rec map[string]interface{}) (models.OverrideRule, error) {
	var spec overrideSpec
	if err := mapstructure.Decode(rec, &spec); err != nil {
		return models.OverrideRule{}, err
	}
	start, end, err := parseWindow(spec.Start, spec.End)
	if err != nil {
		return models.OverrideRule{}, err
	}
	if spec.Column == "" {
		return models.OverrideRule{}, fmt.Errorf("override rule without column")
	}
	return models.OverrideRule{
		Column: spec.Column,
		Start:  start,
		End:    end,
		Value:  spec.Value,
	}, nil
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	s, err := parseRuleTime(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad start: %w", err)
	}
	e, err := parseRuleTime(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad end: %w", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %v before start %v", e, s)
	}
	return s, e, nil
}

var ruleTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseRuleTime(s string) (time.Time, error) {
	for _, layout := range ruleTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
