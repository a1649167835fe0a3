package logic

import (
	"time"

	"github.com/rs/zerolog"
)

type motionReport int

const (
	motionUnknown motionReport = iota
	motionActive
	motionClear
)

// MotionDebouncer turns a raw motion signal into MotionDetected updates that
// only clear after the signal has stayed inactive for the no-motion period.
type MotionDebouncer struct {
	noMotion time.Duration
	emit     *Emitter
	clear    *Timeout
	reported motionReport
	log      zerolog.Logger
}

// NewMotionDebouncer creates a debouncer emitting FieldMotionDetected.
func NewMotionDebouncer(noMotion time.Duration, sched Scheduler, emit *Emitter, log zerolog.Logger) *MotionDebouncer {
	return &MotionDebouncer{
		noMotion: noMotion,
		emit:     emit,
		clear:    NewTimeout(sched),
		log:      log,
	}
}

// OnRawMotion processes one raw sensor reading.
func (m *MotionDebouncer) OnRawMotion(active bool) {
	// The first reading is reported as-is; there is nothing to debounce against.
	if m.reported == motionUnknown {
		m.report(active)
		return
	}

	if active {
		if m.clear.Pending() {
			m.log.Debug().Msg("no motion timer stopped")
			m.clear.Cancel()
		}
		if m.reported != motionActive {
			m.report(true)
		}
		return
	}

	if m.reported != motionActive {
		return
	}

	if m.noMotion <= 0 {
		m.report(false)
		return
	}

	m.log.Debug().Dur("timeout", m.noMotion).Msg("no motion timer started")
	m.clear.Start(m.noMotion, func() {
		m.log.Debug().Msg("no motion timer completed")
		m.report(false)
	})
}

// Reported returns the last emitted value and whether one has been emitted.
func (m *MotionDebouncer) Reported() (active bool, known bool) {
	return m.reported == motionActive, m.reported != motionUnknown
}

// Stop cancels a pending clear.
func (m *MotionDebouncer) Stop() {
	m.clear.Cancel()
}

func (m *MotionDebouncer) report(active bool) {
	if active {
		m.reported = motionActive
	} else {
		m.reported = motionClear
	}
	m.emit.Set(FieldMotionDetected, active)
}
