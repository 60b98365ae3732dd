// Package flow holds the flow definition store: the static, ordered list of
// department checkpoints a trial card must clear. It is pure computation;
// the ledger decides what counts as addressed or pending.
package flow

import (
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
)

// Stage is one ordered department checkpoint.
type Stage struct {
	Seq        int    `json:"seq"`
	Department string `json:"department"`
}

// Sequence is the full flow, ordered by ascending Seq. Config validation
// guarantees the ordering, so constructors here do not re-sort.
type Sequence []Stage

// FromConfig builds the sequence from the validated config stage list.
func FromConfig(cfg *config.Config) Sequence {
	seq := make(Sequence, 0, len(cfg.Flow.Stages))
	for _, s := range cfg.Flow.Stages {
		seq = append(seq, Stage{Seq: s.Seq, Department: s.Department})
	}
	return seq
}

// First returns the entry stage of the flow.
func (s Sequence) First() (Stage, bool) {
	if len(s) == 0 {
		return Stage{}, false
	}
	return s[0], true
}

// NextUnaddressed returns the lowest-sequence stage whose department has no
// ledger entry at all, pending or approved. Absence is a valid answer: a
// false result means the flow is fully addressed.
func (s Sequence) NextUnaddressed(addressed map[string]bool) (Stage, bool) {
	for _, st := range s {
		if !addressed[st.Department] {
			return st, true
		}
	}
	return Stage{}, false
}

// StageFor returns the stage for a department.
func (s Sequence) StageFor(department string) (Stage, bool) {
	for _, st := range s {
		if st.Department == department {
			return st, true
		}
	}
	return Stage{}, false
}

// EarliestPending returns the lowest-sequence stage among the departments
// that still hold a pending entry. Used to re-target the trial when stages
// were worked out of declared order.
func (s Sequence) EarliestPending(pending map[string]bool) (Stage, bool) {
	for _, st := range s {
		if pending[st.Department] {
			return st, true
		}
	}
	return Stage{}, false
}
