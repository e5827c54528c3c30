// Package stage defines the milter protocol stages and the transitions a
// connection may make between them.
package stage

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/migadu/policyd/consts"
)

// Stage is one protocol callback point.
type Stage uint8

const (
	Connect Stage = iota
	Helo
	EnvFrom
	EnvRcpt
	Header
	EOH
	Body
	EOM
	Abort
	Close

	numStages
)

var names = [numStages]string{
	Connect: "connect",
	Helo:    "helo",
	EnvFrom: "envfrom",
	EnvRcpt: "envrcpt",
	Header:  "header",
	EOH:     "eoh",
	Body:    "body",
	EOM:     "eom",
	Abort:   "abort",
	Close:   "close",
}

func (s Stage) String() string {
	if s < numStages {
		return names[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// All returns every stage in protocol order.
func All() []Stage {
	out := make([]Stage, numStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// Parse maps a stage name to its Stage.
func Parse(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range names {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", consts.ErrInvalidStage, name)
}

// Mask is a set of stages. There is no implied ordering: a mask holding
// only EnvFrom does not include any later stage.
type Mask uint16

const AllStages Mask = 1<<numStages - 1

// MaskOf builds a mask from stages.
func MaskOf(stages ...Stage) Mask {
	var m Mask
	for _, s := range stages {
		m |= 1 << s
	}
	return m
}

// ParseMask builds a mask from stage names. "all" selects every stage.
func ParseMask(list []string) (Mask, error) {
	var m Mask
	for _, name := range list {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			m |= AllStages
			continue
		}
		s, err := Parse(name)
		if err != nil {
			return 0, err
		}
		m |= MaskOf(s)
	}
	return m, nil
}

func (m Mask) Has(s Stage) bool { return s < numStages && m&(1<<s) != 0 }

func (m Mask) Len() int { return bits.OnesCount16(uint16(m & AllStages)) }

// Stages lists the members of m in protocol order.
func (m Mask) Stages() []Stage {
	var out []Stage
	for s := Stage(0); s < numStages; s++ {
		if m.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m Mask) String() string {
	if m&AllStages == AllStages {
		return "all"
	}
	parts := make([]string, 0, m.Len())
	for _, s := range m.Stages() {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ",")
}

// Machine tracks the stage of one connection. The zero value expects
// Connect.
type Machine struct {
	current Stage
	started bool
	closed  bool
}

// allowed lists the legal successors of each stage. Abort and Close are
// reachable from anywhere and handled separately.
var allowed = [numStages]Mask{
	Connect: MaskOf(Helo, EnvFrom),
	Helo:    MaskOf(Helo, EnvFrom),
	EnvFrom: MaskOf(EnvRcpt),
	EnvRcpt: MaskOf(EnvRcpt, Header, EOH),
	Header:  MaskOf(Header, EOH),
	EOH:     MaskOf(Body, EOM),
	Body:    MaskOf(Body, EOM),
	EOM:     MaskOf(Helo, EnvFrom),
	Abort:   MaskOf(Helo, EnvFrom),
}

// Current returns the last accepted stage and whether any stage was seen.
func (m *Machine) Current() (Stage, bool) {
	return m.current, m.started
}

// Advance moves to next if the protocol allows it.
func (m *Machine) Advance(next Stage) error {
	if next >= numStages {
		return fmt.Errorf("%w: %d", consts.ErrInvalidStage, next)
	}
	if m.closed {
		return fmt.Errorf("%w: %s after close", consts.ErrStageTransition, next)
	}
	switch {
	case next == Close:
		m.closed = true
	case !m.started:
		if next != Connect {
			return fmt.Errorf("%w: %s before connect", consts.ErrStageTransition, next)
		}
	case next == Abort:
	case !allowed[m.current].Has(next):
		return fmt.Errorf("%w: %s -> %s", consts.ErrStageTransition, m.current, next)
	}
	m.current = next
	m.started = true
	return nil
}

// InMessage reports whether a message transaction is open, i.e. envfrom
// was seen and neither eom nor abort followed.
func (m *Machine) InMessage() bool {
	switch m.current {
	case EnvFrom, EnvRcpt, Header, EOH, Body:
		return m.started && !m.closed
	}
	return false
}
