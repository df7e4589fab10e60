package siglab

import (
	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/data"
)

// Trigger is one condition to wait for: a channel and the state or edge
// that satisfies it.  Value is the comparison threshold for the over and
// under matches on analog channels.
type Trigger struct {
	// Channel is the channel the condition watches
	Channel Channel

	// Match is the condition kind
	Match data.TriggerMatch

	// Value is the threshold for TriggerOver and TriggerUnder
	Value float32
}

// TriggerStage is a set of conditions that must all hold at the same
// sample for the stage to fire.
type TriggerStage []Trigger

// SetTriggers arms trigger stages on the session, replacing any previous
// arrangement.  Stages fire in order; a Trigger packet is delivered on the
// datafeed when the last stage matches.  Calling with no stages disarms.
// Triggers may only change while the session is not running.
func (s *Session) SetTriggers(stages ...TriggerStage) error {
	if s.destroyed.Load() {
		return ErrClosed
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if len(stages) == 0 {
		s.trigger = nil
		return nil
	}
	t := &capi.Trigger{Stages: make([]capi.TriggerStage, 0, len(stages))}
	for _, stage := range stages {
		cs := capi.TriggerStage{Matches: make([]capi.TriggerMatch, 0, len(stage))}
		for _, tr := range stage {
			cs.Matches = append(cs.Matches, capi.TriggerMatch{
				Channel: tr.Channel.h,
				Match:   tr.Match,
				Value:   tr.Value,
			})
		}
		t.Stages = append(t.Stages, cs)
	}
	s.trigger = t
	return nil
}
