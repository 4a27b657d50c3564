package effects

import "time"

// PhysicalTime is a wall-clock reading with its uncertainty bound.
type PhysicalTime struct {
	UnixMillis        int64 `json:"ts_ms"`
	UncertaintyMillis int64 `json:"uncertainty_ms"`
}

// Clock reads physical time. Event timestamps and receipt timestamps come
// from here; scheduling never does (that is TimeSource).
type Clock interface {
	Now() time.Time
	PhysicalTime() PhysicalTime
}

// SystemClock reads the host clock in UTC.
type SystemClock struct {
	// UncertaintyMillis is reported verbatim; hosts without disciplined
	// clocks should configure a generous bound.
	UncertaintyMillis int64
}

func (c SystemClock) Now() time.Time { return time.Now().UTC() }

func (c SystemClock) PhysicalTime() PhysicalTime {
	return PhysicalTime{
		UnixMillis:        time.Now().UnixMilli(),
		UncertaintyMillis: c.UncertaintyMillis,
	}
}
