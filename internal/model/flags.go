package model

import "strings"

// Flag positions in a FlagVector. The order is also the evaluation order.
const (
	FlagRate = iota
	FlagValue
	FlagRole
	FlagUnexpected
	FlagActivity
	flagCount
)

var flagNames = [flagCount]string{"rate", "value", "role", "unexpected", "activity"}

// FlagVector is the per-detector verdict for one event.
type FlagVector [flagCount]bool

func FlagName(i int) string {
	if i < 0 || i >= flagCount {
		return ""
	}
	return flagNames[i]
}

func FlagNames() []string {
	out := make([]string, flagCount)
	copy(out, flagNames[:])
	return out
}

func (f FlagVector) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}

func (f FlagVector) Count() int {
	n := 0
	for _, v := range f {
		if v {
			n++
		}
	}
	return n
}

// Names lists the detectors that flagged, in evaluation order.
func (f FlagVector) Names() []string {
	out := make([]string, 0, flagCount)
	for i, v := range f {
		if v {
			out = append(out, flagNames[i])
		}
	}
	return out
}

func (f FlagVector) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range f {
		if i > 0 {
			b.WriteByte(' ')
		}
		if v {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(']')
	return b.String()
}
