package storage

import (
	"context"
	"fmt"
	"time"
)

type Driver int8

const (
	DriverNone Driver = iota
	DriverFs
	DriverSqlite
)

var (
	DriverToString = map[Driver]string{
		DriverNone:   "none",
		DriverFs:     "fs",
		DriverSqlite: "sqlite",
	}
	DriverFromString = map[string]Driver{
		"none":   DriverNone,
		"fs":     DriverFs,
		"sqlite": DriverSqlite,
	}
)

func (d Driver) String() string {
	return DriverToString[d]
}

type Outcome string

const (
	OutcomeWritten   Outcome = "written"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one executed control action.
type Entry struct {
	ID       string    `json:"id"`                 // 记录 id
	Time     time.Time `json:"time"`               // 执行时间
	Model    string    `json:"model"`              // 型号
	SlaveID  uint8     `json:"slave_id"`           // 从站地址
	Type     string    `json:"type"`               // 动作类型
	Target   string    `json:"target,omitempty"`   // 目标寄存器
	Value    *float64  `json:"value,omitempty"`    // 写入值
	Previous *float64  `json:"previous,omitempty"` // 写入前的值
	Priority int       `json:"priority"`           // 优先级
	Source   string    `json:"source,omitempty"`   // 来源
	Reason   string    `json:"reason,omitempty"`   // 原因
	Outcome  Outcome   `json:"outcome"`            // 结果
	Error    string    `json:"error,omitempty"`    // 错误信息
}

// Journal persists executed actions.
type Journal interface {
	Record(ctx context.Context, entry *Entry) error
	// List returns the latest entries, newest first.
	List(ctx context.Context, limit int) ([]*Entry, error)
	Close() error
}

var _ Journal = Nop{}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) error { return nil }

func (Nop) List(context.Context, int) ([]*Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }

// New opens the journal of driver at path.
func New(driver Driver, path string) (Journal, error) {
	switch driver {
	case DriverNone:
		return Nop{}, nil
	case DriverFs:
		return NewFsJournal(path)
	case DriverSqlite:
		return NewSqliteJournal(path)
	default:
		return nil, fmt.Errorf("unsupported journal driver %d", driver)
	}
}
