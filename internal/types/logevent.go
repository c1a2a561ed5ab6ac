package types

import (
	"strconv"
	"time"
)

// LogStream identifies which descriptor a LogEvent came from. "system" is
// reserved for synthetic events the Log Ring itself manufactures (gap
// notices, eviction notices, lost-event notices) rather than anything a
// child process wrote.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogLevel is the optionally-detected severity of a LogEvent. Unset means
// the line did not match any of the recognized level markers.
type LogLevel string

const (
	LevelUnset LogLevel = ""
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEvent is a single captured line (or line fragment, if Truncated) from
// a session's process. Seq is gap-free and strictly increasing within one
// session, except where eviction introduces a gap -- every such gap is
// reported by exactly one synthetic system event.
type LogEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Ts        time.Time `json:"ts"`
	Stream    LogStream `json:"stream"`
	Line      []byte    `json:"line"`
	Level     LogLevel  `json:"level,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// SystemGapEvent builds the synthetic event a subscriber receives when it
// resumes from a seq that has already been evicted from the ring.
func SystemGapEvent(sessionID string, seq int64, earliestSeq int64) LogEvent {
	return LogEvent{
		SessionID: sessionID,
		Seq:       seq,
		Ts:        time.Now(),
		Stream:    StreamSystem,
		Line:      []byte(`{"gap":true,"earliest_seq":` + strconv.FormatInt(earliestSeq, 10) + `}`),
	}
}

// SystemEvictionEvent builds the synthetic event broadcast to every
// current subscriber once per eviction burst when the ring drops entries
// for capacity, as distinct from SystemGapEvent which is delivered only
// to a subscriber that resumes from an already-evicted seq.
func SystemEvictionEvent(sessionID string, seq int64, evictedThrough int64) LogEvent {
	return LogEvent{
		SessionID: sessionID,
		Seq:       seq,
		Ts:        time.Now(),
		Stream:    StreamSystem,
		Line:      []byte(`{"evicted":true,"evicted_through":` + strconv.FormatInt(evictedThrough, 10) + `}`),
	}
}

// SystemLostEvent builds the synthetic event delivered on a subscriber's
// own channel when the slow-subscriber policy has dropped events destined
// for it specifically (the shared ring itself is never touched by this).
func SystemLostEvent(sessionID string, seq int64, lost int) LogEvent {
	return LogEvent{
		SessionID: sessionID,
		Seq:       seq,
		Ts:        time.Now(),
		Stream:    StreamSystem,
		Line:      []byte(`{"lost":` + strconv.Itoa(lost) + `}`),
	}
}
