package service

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/ish-core/internal/entity"
)

const (
	stateOn       = "on"
	stateOff      = "off"
	stateHeat     = "heat"
	stateLocked   = "locked"
	stateUnlocked = "unlocked"
	stateOpen     = "open"
	stateClosed   = "closed"
	statePlaying  = "playing"
	statePaused   = "paused"
	stateIdle     = "idle"
)

// lightTransientAttributes are cleared when a light turns off.
var lightTransientAttributes = []string{
	"brightness",
	"color_mode",
	"color_temp",
	"color_temp_kelvin",
	"effect",
	"hs_color",
	"rgb_color",
	"rgbw_color",
	"xy_color",
}

// registerBuiltins installs the default service table.
func registerBuiltins(d *Dispatcher) {
	d.Register("light", "turn_on", turnOn)
	d.Register("light", "turn_off", lightTurnOff)
	d.Register("light", "toggle", toggle(turnOn, lightTurnOff))

	for _, domain := range []string{"switch", "fan", "input_boolean"} {
		d.Register(domain, "turn_on", turnOn)
		d.Register(domain, "turn_off", turnOff)
		d.Register(domain, "toggle", toggle(turnOn, turnOff))
	}

	d.Register("climate", "set_temperature", climateSetTemperature)
	d.Register("climate", "set_hvac_mode", climateSetHVACMode)
	d.Register("climate", "turn_on", setState(stateHeat))
	d.Register("climate", "turn_off", setState(stateOff))

	d.Register("lock", "lock", setState(stateLocked))
	d.Register("lock", "unlock", setState(stateUnlocked))

	d.Register("cover", "open_cover", coverPosition(100))
	d.Register("cover", "close_cover", coverPosition(0))
	d.Register("cover", "set_cover_position", coverSetPosition)

	d.Register("media_player", "turn_on", setState(stateOn))
	d.Register("media_player", "turn_off", setState(stateOff))
	d.Register("media_player", "play_media", mediaPlayMedia)
	d.Register("media_player", "media_play", setState(statePlaying))
	d.Register("media_player", "media_pause", setState(statePaused))
	d.Register("media_player", "media_stop", setState(stateIdle))
	d.Register("media_player", "volume_set", mediaVolumeSet)
	d.Register("media_player", "volume_mute", mediaVolumeMute)
}

// setState returns a handler that sets state and ignores data.
func setState(state string) HandlerFunc {
	return func(e *entity.Entity, _ map[string]any) error {
		e.State = state
		return nil
	}
}

func turnOn(e *entity.Entity, data map[string]any) error {
	e.State = stateOn
	for k, v := range data {
		e.Attributes[k] = v
	}
	return nil
}

func turnOff(e *entity.Entity, _ map[string]any) error {
	e.State = stateOff
	return nil
}

func lightTurnOff(e *entity.Entity, _ map[string]any) error {
	e.State = stateOff
	for _, k := range lightTransientAttributes {
		delete(e.Attributes, k)
	}
	return nil
}

func toggle(on, off HandlerFunc) HandlerFunc {
	return func(e *entity.Entity, data map[string]any) error {
		if e.State == stateOn {
			return off(e, data)
		}
		return on(e, data)
	}
}

func climateSetTemperature(e *entity.Entity, data map[string]any) error {
	updated := false
	for _, key := range []string{"temperature", "target_temp_high", "target_temp_low"} {
		raw, ok := data[key]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidServiceData, key)
		}
		e.Attributes[key] = v
		updated = true
	}

	if raw, ok := data["hvac_mode"]; ok {
		mode, ok := raw.(string)
		if !ok || mode == "" {
			return fmt.Errorf("%w: hvac_mode must be a non-empty string", ErrInvalidServiceData)
		}
		e.State = mode
		updated = true
	}

	if !updated {
		return fmt.Errorf("%w: temperature, target_temp_high, target_temp_low or hvac_mode required", ErrInvalidServiceData)
	}
	return nil
}

func climateSetHVACMode(e *entity.Entity, data map[string]any) error {
	mode, ok := data["hvac_mode"].(string)
	if !ok || mode == "" {
		return fmt.Errorf("%w: hvac_mode is required", ErrInvalidServiceData)
	}
	e.State = mode
	return nil
}

func coverPosition(position int) HandlerFunc {
	return func(e *entity.Entity, _ map[string]any) error {
		applyCoverPosition(e, float64(position))
		return nil
	}
}

func coverSetPosition(e *entity.Entity, data map[string]any) error {
	pos, ok := toFloat(data["position"])
	if !ok || pos < 0 || pos > 100 {
		return fmt.Errorf("%w: position must be a number between 0 and 100", ErrInvalidServiceData)
	}
	applyCoverPosition(e, pos)
	return nil
}

func applyCoverPosition(e *entity.Entity, pos float64) {
	e.Attributes["current_position"] = pos
	if pos == 0 {
		e.State = stateClosed
	} else {
		e.State = stateOpen
	}
}

func mediaPlayMedia(e *entity.Entity, data map[string]any) error {
	id, idOK := data["media_content_id"].(string)
	kind, kindOK := data["media_content_type"].(string)
	if !idOK || !kindOK || id == "" || kind == "" {
		return fmt.Errorf("%w: media_content_id and media_content_type are required", ErrInvalidServiceData)
	}
	e.State = statePlaying
	e.Attributes["media_content_id"] = id
	e.Attributes["media_content_type"] = kind
	return nil
}

func mediaVolumeSet(e *entity.Entity, data map[string]any) error {
	level, ok := toFloat(data["volume_level"])
	if !ok || level < 0 || level > 1 {
		return fmt.Errorf("%w: volume_level must be a number between 0 and 1", ErrInvalidServiceData)
	}
	e.Attributes["volume_level"] = level
	return nil
}

func mediaVolumeMute(e *entity.Entity, data map[string]any) error {
	muted, ok := data["is_volume_muted"].(bool)
	if !ok {
		return fmt.Errorf("%w: is_volume_muted must be a boolean", ErrInvalidServiceData)
	}
	e.Attributes["is_volume_muted"] = muted
	return nil
}

// toFloat accepts the numeric forms produced by encoding/json and Go callers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
