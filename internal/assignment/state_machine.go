package assignment

import (
	"fmt"
	"time"
)

// AllowTransition 定义派单状态机的允许流转关系。
// inactive / terminated 是吸收态：行一旦离开 active 就不再回来。
var AllowTransition = map[Status][]Status{
	StatusActive:     {StatusInactive, StatusTerminated},
	StatusInactive:   {},
	StatusTerminated: {},
}

// CanTransition 判断 from -> to 是否是一个允许的状态流转。
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	allowed, ok := AllowTransition[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyTransition 对派单行应用状态变更，并维护关键时间字段。
// 仅在 CanTransition 返回 true 时生效。
func ApplyTransition(a *DriverAssignment, to Status, now time.Time) error {
	if a == nil {
		return fmt.Errorf("assignment is nil")
	}
	from := a.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid assignment status transition: %s -> %s", from, to)
	}

	a.Status = to

	switch to {
	case StatusInactive:
		if a.SupersededAt == nil {
			t := now
			a.SupersededAt = &t
		}
	case StatusTerminated:
		if a.TerminatedAt == nil {
			t := now
			a.TerminatedAt = &t
		}
	}
	return nil
}
