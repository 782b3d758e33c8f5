// Package telemetry writes numeric entity readings to a time-series database
// on every store mutation.
package telemetry

import (
	"strconv"
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
)

// valueField holds the state itself when it parses as a number.
const valueField = "value"

// Writer is the subset of the InfluxDB client used here. Writes must not
// block; the InfluxDB client batches them.
type Writer interface {
	WriteEntityState(entityID, domain, state string, numeric map[string]float64, ts time.Time)
}

// Recorder is an entity.Listener that forwards changes to a Writer.
type Recorder struct {
	w       Writer
	exclude map[string]bool
}

// NewRecorder creates a Recorder. Entities in excludeDomains are skipped.
func NewRecorder(w Writer, excludeDomains ...string) *Recorder {
	exclude := make(map[string]bool, len(excludeDomains))
	for _, d := range excludeDomains {
		exclude[d] = true
	}
	return &Recorder{w: w, exclude: exclude}
}

// EntityChanged implements entity.Listener.
func (r *Recorder) EntityChanged(change entity.Change) {
	e := change.New
	domain := e.Domain()
	if r.exclude[domain] {
		return
	}
	r.w.WriteEntityState(e.EntityID, domain, e.State, Numeric(e), e.LastUpdated)
}

// Numeric extracts the numeric readings of e: the state as "value" when it
// is a number or a binary token, and every numeric or boolean attribute.
func Numeric(e *entity.Entity) map[string]float64 {
	out := make(map[string]float64, len(e.Attributes)+1)

	if v, err := strconv.ParseFloat(e.State, 64); err == nil {
		out[valueField] = v
	} else if v, ok := binaryState(e.State); ok {
		out[valueField] = v
	}

	for k, raw := range e.Attributes {
		if k == valueField {
			continue
		}
		switch v := raw.(type) {
		case float64:
			out[k] = v
		case float32:
			out[k] = float64(v)
		case int:
			out[k] = float64(v)
		case int64:
			out[k] = float64(v)
		case bool:
			if v {
				out[k] = 1
			} else {
				out[k] = 0
			}
		}
	}
	return out
}

func binaryState(state string) (float64, bool) {
	switch state {
	case "on", "open", "unlocked", "playing":
		return 1, true
	case "off", "closed", "locked", "idle", "paused":
		return 0, true
	}
	return 0, false
}
