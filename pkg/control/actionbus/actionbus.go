package actionbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"talosgateway/pkg/control"
	"talosgateway/pkg/runtime/constant"
)

var (
	ErrEmptyPayload  = errors.New("empty action payload")
	ErrMissingModel  = errors.New("action model is required")
	ErrMissingType   = errors.New("action type is required")
	ErrPayloadFormat = errors.New("action payload must be an object or a list of objects")
)

// Topics derives the topic names under one prefix.
type Topics struct {
	Prefix string
}

// Control carries inbound actions.
func (t Topics) Control() string {
	return t.Prefix + "/control"
}

// Results carries execution results.
func (t Topics) Results() string {
	return t.Prefix + "/results"
}

// Source supplies actions injected from outside the control cycle.
type Source interface {
	Drain() []control.ControlAction
}

// Queue holds injected actions until the next executor batch.
type Queue struct {
	mu      sync.Mutex
	actions []control.ControlAction
	accept  func(model string, slaveID uint8) bool
}

type QueueOption func(*Queue)

// WithAccept drops pushed actions of devices accept rejects, nothing would ever drain them.
func WithAccept(accept func(model string, slaveID uint8) bool) QueueOption {
	return func(q *Queue) {
		q.accept = accept
	}
}

func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Push(actions ...control.ControlAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range actions {
		if q.accept != nil && !q.accept(a.Model, a.SlaveID) {
			klog.Warningf("Action %s dropped, device %s_%d is not managed", a.Type, a.Model, a.SlaveID)
			continue
		}
		q.actions = append(q.actions, a)
	}
}

// Drain returns and clears the queued actions.
func (q *Queue) Drain() []control.ControlAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions := q.actions
	q.actions = nil
	return actions
}

// DrainFor returns and clears the queued actions of one device, leaving the rest queued.
func (q *Queue) DrainFor(model string, slaveID uint8) []control.ControlAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []control.ControlAction
	rest := q.actions[:0]
	for _, a := range q.actions {
		if a.Model == model && a.SlaveID == slaveID {
			out = append(out, a)
			continue
		}
		rest = append(rest, a)
	}
	q.actions = rest
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Decode parses one JSON object or a list of them into actions. Numbers may arrive as strings,
// action types as their names. Source defaults to ActionBus and a missing priority to 999.
func Decode(payload []byte) ([]control.ControlAction, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "parse action payload")
	}

	var items []map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		items = append(items, v)
	case []interface{}:
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Wrapf(ErrPayloadFormat, "item %d", i)
			}
			items = append(items, m)
		}
	case nil:
		return nil, ErrEmptyPayload
	default:
		return nil, ErrPayloadFormat
	}

	actions := make([]control.ControlAction, 0, len(items))
	for i, item := range items {
		action, err := decodeAction(item)
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func decodeAction(item map[string]interface{}) (control.ControlAction, error) {
	action := control.ControlAction{Source: control.SourceActionBus, Priority: constant.DefaultPriority}
	if _, ok := item["type"]; !ok {
		return action, ErrMissingType
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       actionTypeHook,
		WeaklyTypedInput: true,
		Result:           &action,
	})
	if err != nil {
		return action, err
	}
	if err = decoder.Decode(item); err != nil {
		return action, err
	}
	if action.Model == "" {
		return action, ErrMissingModel
	}
	return action, nil
}

var actionTypeType = reflect.TypeOf(constant.ActionType(0))

func actionTypeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != actionTypeType || from.Kind() != reflect.String {
		return data, nil
	}
	at, ok := constant.StringToActionType[data.(string)]
	if !ok {
		return nil, fmt.Errorf("unknown action type %s", data)
	}
	return at, nil
}
