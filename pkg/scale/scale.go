package scale

import (
	"context"
	"strings"
	"sync"

	"k8s.io/klog/v2"
	"talosgateway/pkg/codec"
	"talosgateway/pkg/runtime/constant"
)

type Kind string

const (
	Current    Kind = "current"
	Voltage    Kind = "voltage"
	EnergyAuto Kind = "energy_auto"
	Kwh        Kind = "kwh"
)

var Kinds = []Kind{Current, Voltage, EnergyAuto, Kwh}

// ScaleFromToKind maps the scale_from attribute of a register to the factor it reads.
var ScaleFromToKind = map[string]Kind{
	"current_index": Current,
	"voltage_index": Voltage,
	"energy_index":  EnergyAuto,
	"kwh_scale":     Kwh,
}

const (
	DefaultCurrentScale         = 0.01
	DefaultVoltageScale         = 1.0
	DefaultEnergyScale          = 1.0
	DefaultEnergyPostMultiplier = 0.001
	DefaultKwhFixedScale        = 0.01
)

func KindFromScaleFrom(scaleFrom string) (Kind, bool) {
	k, ok := ScaleFromToKind[scaleFrom]
	return k, ok
}

// ParseKind accepts both "current" and the hook form "scales.current".
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "scales.")
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type Tables struct {
	Current              []float64 `json:"current_table,omitempty"`
	Voltage              []float64 `json:"voltage_table,omitempty"`
	Energy               []float64 `json:"energy_table,omitempty"`
	EnergyPostMultiplier *float64  `json:"energy_post_multiplier,omitempty"`
}

type KwhMode struct {
	Mode       string   `json:"mode,omitempty"`        // auto | fixed
	FixedScale *float64 `json:"fixed_scale,omitempty"` // mode=fixed 时使用
}

type Modes struct {
	Kwh KwhMode `json:"kwh,omitempty"`
}

type Config struct {
	Tables Tables `json:"tables,omitempty"`
	Modes  Modes  `json:"modes,omitempty"`
}

// IndexReader reads the index register name of the owning device.
type IndexReader func(ctx context.Context, name string) codec.Reading

// Resolver resolves scale factors of one device instance and caches them until invalidated.
type Resolver struct {
	config Config
	mux    sync.Mutex
	cache  map[Kind]float64
}

func NewResolver(config Config) *Resolver {
	return &Resolver{
		config: config,
		cache:  make(map[Kind]float64),
	}
}

func (r *Resolver) Factor(ctx context.Context, kind Kind, read IndexReader) float64 {
	r.mux.Lock()
	v, ok := r.cache[kind]
	r.mux.Unlock()
	if ok {
		return v
	}

	switch kind {
	case Current:
		v = lookup(r.config.Tables.Current, read(ctx, constant.RegCurrentIndex), DefaultCurrentScale)
	case Voltage:
		v = lookup(r.config.Tables.Voltage, read(ctx, constant.RegVoltageIndex), DefaultVoltageScale)
	case EnergyAuto:
		post := DefaultEnergyPostMultiplier
		if r.config.Tables.EnergyPostMultiplier != nil {
			post = *r.config.Tables.EnergyPostMultiplier
		}
		v = lookup(r.config.Tables.Energy, read(ctx, constant.RegEnergyIndex), DefaultEnergyScale) * post
	case Kwh:
		if strings.EqualFold(r.config.Modes.Kwh.Mode, "fixed") {
			v = DefaultKwhFixedScale
			if r.config.Modes.Kwh.FixedScale != nil {
				v = *r.config.Modes.Kwh.FixedScale
			}
		} else {
			v = r.Factor(ctx, EnergyAuto, read)
		}
	default:
		klog.V(2).InfoS("Unknown scale kind", "kind", kind)
		v = 1.0
	}

	r.mux.Lock()
	r.cache[kind] = v
	r.mux.Unlock()
	return v
}

// Invalidate drops the named kinds, or the whole cache when none are given.
func (r *Resolver) Invalidate(kinds ...Kind) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if len(kinds) == 0 {
		r.cache = make(map[Kind]float64)
		return
	}
	for _, k := range kinds {
		delete(r.cache, k)
	}
}

// Cached returns the cached factor of kind, if any.
func (r *Resolver) Cached(kind Kind) (float64, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	v, ok := r.cache[kind]
	return v, ok
}

func lookup(table []float64, index codec.Reading, def float64) float64 {
	idx, ok := index.Float64()
	if !ok || idx < 0 || int(idx) >= len(table) {
		return def
	}
	return table[int(idx)]
}
