package control

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
	"talosgateway/pkg/device"
	"talosgateway/pkg/runtime/constant"
)

// DefaultSchedule is the work_hours key used by devices without their own schedule.
const DefaultSchedule = "default"

// ClockTime is a time of day in seconds since midnight, written as "HH:MM" or "HH:MM:SS".
type ClockTime int

func ParseClockTime(s string) (ClockTime, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, int(c)%3600/60, int(c)%60)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(bytes []byte) error {
	var s string
	if err := json.Unmarshal(bytes, &s); err != nil {
		return err
	}
	v, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

type Interval struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Contains reports whether t lies in [start, end]. start > end spans midnight.
func (i Interval) Contains(t ClockTime) bool {
	if i.Start <= i.End {
		return i.Start <= t && t <= i.End
	}
	return t >= i.Start || t <= i.End
}

// Schedule is the work hours of one device.
type Schedule struct {
	Weekdays  []int      `json:"weekdays,omitempty"`  // 1..7, 周一到周日, 空表示每天
	Intervals []Interval `json:"intervals,omitempty"` // 允许运行的时段
	Timezone  string     `json:"timezone,omitempty"`  // 覆盖全局时区

	// 旧格式, 单一时段
	Start *ClockTime `json:"start,omitempty"`
	End   *ClockTime `json:"end,omitempty"`
}

// normalize folds the legacy start/end into intervals, then sorts and deduplicates them.
func (s *Schedule) normalize() {
	if len(s.Intervals) == 0 && s.Start != nil && s.End != nil {
		s.Intervals = []Interval{{Start: *s.Start, End: *s.End}}
	}
	sort.Slice(s.Intervals, func(i, j int) bool {
		if s.Intervals[i].Start != s.Intervals[j].Start {
			return s.Intervals[i].Start < s.Intervals[j].Start
		}
		return s.Intervals[i].End < s.Intervals[j].End
	})
	uniq := s.Intervals[:0]
	for i, itv := range s.Intervals {
		if i > 0 && itv == s.Intervals[i-1] {
			continue
		}
		uniq = append(uniq, itv)
	}
	s.Intervals = uniq
}

type TimeControlConfig struct {
	Timezone  string               `json:"timezone,omitempty"`
	WorkHours map[string]*Schedule `json:"work_hours"`
}

func LoadTimeControlConfig(path string) (*TimeControlConfig, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read time control config %s", path)
	}
	config := &TimeControlConfig{}
	if err = yaml.Unmarshal(bytes, config); err != nil {
		return nil, errors.Wrapf(err, "parse time control config %s", path)
	}
	return config, nil
}

// ValidateTimeControl checks timezones, weekdays and intervals.
func ValidateTimeControl(config *TimeControlConfig) field.ErrorList {
	var errs field.ErrorList
	if config.Timezone != "" {
		if _, err := time.LoadLocation(config.Timezone); err != nil {
			errs = append(errs, field.Invalid(field.NewPath("timezone"), config.Timezone, err.Error()))
		}
	}
	for id, s := range config.WorkHours {
		path := field.NewPath("work_hours").Key(id)
		if s == nil {
			errs = append(errs, field.Required(path, ""))
			continue
		}
		for i, d := range s.Weekdays {
			if d < 1 || d > 7 {
				errs = append(errs, field.Invalid(path.Child("weekdays").Index(i), d, "must be in 1..7"))
			}
		}
		for i, itv := range s.Intervals {
			if itv.Start == itv.End {
				errs = append(errs, field.Invalid(path.Child("intervals").Index(i), itv.Start.String(), "start and end must differ"))
			}
		}
		if s.Start != nil && s.End != nil && *s.Start == *s.End {
			errs = append(errs, field.Invalid(path.Child("start"), s.Start.String(), "start and end must differ"))
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				errs = append(errs, field.Invalid(path.Child("timezone"), s.Timezone, err.Error()))
			}
		}
	}
	return errs
}

// TimeEvaluator decides whether a device may run now and emits turn_on/turn_off on state changes.
type TimeEvaluator struct {
	schedules  map[string]*Schedule
	locations  map[string]*time.Location
	defaultLoc *time.Location

	mu          sync.Mutex
	lastAllowed map[string]bool
}

func NewTimeEvaluator(config *TimeControlConfig) (*TimeEvaluator, error) {
	if errs := ValidateTimeControl(config); len(errs) > 0 {
		return nil, errs.ToAggregate()
	}
	te := &TimeEvaluator{
		schedules:   make(map[string]*Schedule, len(config.WorkHours)),
		locations:   make(map[string]*time.Location),
		defaultLoc:  time.Local,
		lastAllowed: make(map[string]bool),
	}
	if config.Timezone != "" {
		te.defaultLoc, _ = time.LoadLocation(config.Timezone)
	}
	for id, s := range config.WorkHours {
		schedule := *s
		schedule.Intervals = append([]Interval(nil), s.Intervals...)
		schedule.normalize()
		te.schedules[id] = &schedule
		if s.Timezone != "" {
			te.locations[id], _ = time.LoadLocation(s.Timezone)
		}
	}
	return te, nil
}

func (te *TimeEvaluator) resolve(deviceID string) (*Schedule, *time.Location) {
	id := deviceID
	schedule, ok := te.schedules[id]
	if !ok {
		id = DefaultSchedule
		schedule, ok = te.schedules[id]
	}
	if !ok {
		return nil, te.defaultLoc
	}
	if loc, ok := te.locations[id]; ok {
		return schedule, loc
	}
	return schedule, te.defaultLoc
}

// Allow reports whether now is inside the work hours of the device. Devices without a schedule
// are always allowed.
func (te *TimeEvaluator) Allow(deviceID string, now time.Time) bool {
	schedule, loc := te.resolve(deviceID)
	if schedule == nil {
		return true
	}
	local := now.In(loc)
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	if len(schedule.Weekdays) > 0 && !containsInt(schedule.Weekdays, weekday) {
		klog.V(5).InfoS("Outside work days", "device", deviceID, "now", local, "weekday", weekday)
		return false
	}
	t := ClockTime(local.Hour()*3600 + local.Minute()*60 + local.Second())
	for _, itv := range schedule.Intervals {
		if itv.Contains(t) {
			return true
		}
	}
	klog.V(5).InfoS("Outside work hours", "device", deviceID, "now", local)
	return false
}

// EvaluateAction returns the action of the current state on the first call for a device, and
// afterwards only on allowed/disallowed transitions.
func (te *TimeEvaluator) EvaluateAction(deviceID string, now time.Time) (constant.ActionType, bool) {
	allowed := te.Allow(deviceID, now)
	te.mu.Lock()
	defer te.mu.Unlock()
	last, seen := te.lastAllowed[deviceID]
	te.lastAllowed[deviceID] = allowed
	if seen && last == allowed {
		return 0, false
	}
	if allowed {
		return constant.TurnOn, true
	}
	return constant.TurnOff, true
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// CapabilityLookup is the part of device.CapabilityResolver time control needs.
type CapabilityLookup interface {
	SupportsOnOff(model string, slaveID uint8) bool
	Binding(model string, slaveID uint8) (*device.OnOffBinding, bool)
}

// TimeControl turns schedule transitions into actions. Transitions of an offline device are held
// back and emitted once it is online again.
type TimeControl struct {
	evaluator *TimeEvaluator
	caps      CapabilityLookup

	mu      sync.Mutex
	pending map[device.Key]constant.ActionType
}

func NewTimeControl(evaluator *TimeEvaluator, caps CapabilityLookup) *TimeControl {
	return &TimeControl{
		evaluator: evaluator,
		caps:      caps,
		pending:   make(map[device.Key]constant.ActionType),
	}
}

// Allow reports whether the device is inside its work hours.
func (tc *TimeControl) Allow(key device.Key, now time.Time) bool {
	return tc.evaluator.Allow(key.String(), now)
}

// Actions evaluates the schedule of key and returns the actions to execute this cycle.
func (tc *TimeControl) Actions(key device.Key, online bool, now time.Time) []ControlAction {
	actionType, changed := tc.evaluator.EvaluateAction(key.String(), now)

	tc.mu.Lock()
	if changed {
		tc.pending[key] = actionType
	}
	pending, ok := tc.pending[key]
	if !ok {
		tc.mu.Unlock()
		return nil
	}
	if !online {
		tc.mu.Unlock()
		klog.V(2).InfoS("Device offline, time control action deferred", "device", key, "action", pending)
		return nil
	}
	delete(tc.pending, key)
	tc.mu.Unlock()

	reason := "On timezone auto startup"
	if pending == constant.TurnOff {
		reason = "Off timezone auto shutdown"
	}
	return tc.translate(key, pending, reason)
}

// translate emits the on/off action itself, or one write_do per binding target for devices that
// only switch through discrete outputs.
func (tc *TimeControl) translate(key device.Key, actionType constant.ActionType, reason string) []ControlAction {
	if tc.caps.SupportsOnOff(key.Model, key.SlaveID) {
		klog.InfoS("Time control", "device", key, "action", actionType, "reason", reason)
		return []ControlAction{{
			Model:    key.Model,
			SlaveID:  key.SlaveID,
			Type:     actionType,
			Source:   SourceTimeControl,
			Reason:   reason,
			Priority: constant.DefaultPriority,
		}}
	}

	binding, ok := tc.caps.Binding(key.Model, key.SlaveID)
	if !ok || len(binding.Targets) == 0 {
		klog.Warningf("Time control: %s can't handle %s, no on/off support or binding", key, actionType)
		return nil
	}
	value := binding.OffValue()
	if actionType == constant.TurnOn {
		value = binding.OnValue()
	}
	actions := make([]ControlAction, 0, len(binding.Targets))
	for _, target := range binding.Targets {
		v := value
		actions = append(actions, ControlAction{
			Model:    key.Model,
			SlaveID:  key.SlaveID,
			Type:     constant.WriteDO,
			Target:   target,
			Value:    &v,
			Source:   SourceTimeControl,
			Reason:   fmt.Sprintf("%s -> translate %s to %s=%v", reason, actionType, target, v),
			Priority: constant.DefaultPriority,
		})
	}
	klog.InfoS("Time control translated to discrete outputs", "device", key, "action", actionType, "targets", binding.Targets, "value", value)
	return actions
}
