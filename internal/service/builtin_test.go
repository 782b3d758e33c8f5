package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nerrad567/ish-core/internal/entity"
)

func TestBuiltinServices(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		state     string
		attrs     map[string]any
		service   string
		data      map[string]any
		wantState string
		wantAttrs map[string]any
		absent    []string
		wantErr   error
	}{
		{
			name: "light turn_on merges data", id: "light.a", state: "off",
			service: "turn_on", data: map[string]any{"brightness": 255.0},
			wantState: "on", wantAttrs: map[string]any{"brightness": 255.0},
		},
		{
			name: "light turn_off clears transient attributes", id: "light.a", state: "on",
			attrs:   map[string]any{"brightness": 255.0, "rgb_color": []any{1.0, 2.0, 3.0}, "friendly_name": "A"},
			service: "turn_off", wantState: "off",
			wantAttrs: map[string]any{"friendly_name": "A"},
			absent:    []string{"brightness", "rgb_color"},
		},
		{name: "light toggle on", id: "light.a", state: "off", service: "toggle", wantState: "on"},
		{name: "light toggle off", id: "light.a", state: "on", service: "toggle", wantState: "off"},
		{name: "switch turn_on", id: "switch.a", state: "off", service: "turn_on", wantState: "on"},
		{name: "fan toggle", id: "fan.a", state: "on", service: "toggle", wantState: "off"},
		{name: "input_boolean turn_off", id: "input_boolean.a", state: "on", service: "turn_off", wantState: "off"},
		{
			name: "climate set_temperature keeps state", id: "climate.a", state: "heat",
			service: "set_temperature", data: map[string]any{"temperature": 21.5},
			wantState: "heat", wantAttrs: map[string]any{"temperature": 21.5},
		},
		{
			name: "climate set_temperature with json number and mode", id: "climate.a", state: "off",
			service:   "set_temperature",
			data:      map[string]any{"target_temp_high": json.Number("24"), "hvac_mode": "cool"},
			wantState: "cool", wantAttrs: map[string]any{"target_temp_high": 24.0},
		},
		{
			name: "climate set_temperature bad type", id: "climate.a", state: "heat",
			service: "set_temperature", data: map[string]any{"temperature": "warm"},
			wantErr: ErrInvalidServiceData,
		},
		{
			name: "climate set_temperature nothing to set", id: "climate.a", state: "heat",
			service: "set_temperature", wantErr: ErrInvalidServiceData,
		},
		{
			name: "climate set_hvac_mode", id: "climate.a", state: "off",
			service: "set_hvac_mode", data: map[string]any{"hvac_mode": "auto"}, wantState: "auto",
		},
		{name: "climate turn_on", id: "climate.a", state: "off", service: "turn_on", wantState: "heat"},
		{name: "climate turn_off", id: "climate.a", state: "heat", service: "turn_off", wantState: "off"},
		{name: "lock lock", id: "lock.door", state: "unlocked", service: "lock", wantState: "locked"},
		{name: "lock unlock", id: "lock.door", state: "locked", service: "unlock", wantState: "unlocked"},
		{
			name: "cover open", id: "cover.garage", state: "closed", service: "open_cover",
			wantState: "open", wantAttrs: map[string]any{"current_position": 100.0},
		},
		{
			name: "cover close", id: "cover.garage", state: "open", service: "close_cover",
			wantState: "closed", wantAttrs: map[string]any{"current_position": 0.0},
		},
		{
			name: "cover set position", id: "cover.garage", state: "closed",
			service: "set_cover_position", data: map[string]any{"position": 40},
			wantState: "open", wantAttrs: map[string]any{"current_position": 40.0},
		},
		{
			name: "cover set position out of range", id: "cover.garage", state: "closed",
			service: "set_cover_position", data: map[string]any{"position": 140.0},
			wantErr: ErrInvalidServiceData,
		},
		{
			name: "media play_media", id: "media_player.tv", state: "idle", service: "play_media",
			data:      map[string]any{"media_content_id": "song.mp3", "media_content_type": "music"},
			wantState: "playing", wantAttrs: map[string]any{"media_content_id": "song.mp3", "media_content_type": "music"},
		},
		{
			name: "media play_media missing type", id: "media_player.tv", state: "idle", service: "play_media",
			data: map[string]any{"media_content_id": "x"}, wantErr: ErrInvalidServiceData,
		},
		{name: "media pause", id: "media_player.tv", state: "playing", service: "media_pause", wantState: "paused"},
		{name: "media play", id: "media_player.tv", state: "paused", service: "media_play", wantState: "playing"},
		{name: "media stop", id: "media_player.tv", state: "playing", service: "media_stop", wantState: "idle"},
		{name: "media turn_off", id: "media_player.tv", state: "on", service: "turn_off", wantState: "off"},
		{
			name: "media volume_set", id: "media_player.tv", state: "on", service: "volume_set",
			data: map[string]any{"volume_level": 0.3}, wantState: "on",
			wantAttrs: map[string]any{"volume_level": 0.3},
		},
		{
			name: "media volume_set too loud", id: "media_player.tv", state: "on", service: "volume_set",
			data: map[string]any{"volume_level": 3.0}, wantErr: ErrInvalidServiceData,
		},
		{
			name: "media volume_mute", id: "media_player.tv", state: "on", service: "volume_mute",
			data: map[string]any{"is_volume_muted": true}, wantState: "on",
			wantAttrs: map[string]any{"is_volume_muted": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := entity.NewStore()
			ctx := context.Background()
			if _, _, err := store.Set(ctx, tt.id, tt.state, tt.attrs); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			d := NewDispatcher(store)

			affected, err := d.Call(ctx, Call{
				Domain:    entity.DomainOf(tt.id),
				Service:   tt.service,
				EntityIDs: []string{tt.id},
				Data:      tt.data,
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Call() error = %v, want %v", err, tt.wantErr)
				}
				got, _ := store.Get(ctx, tt.id)
				if got.State != tt.state {
					t.Errorf("failed call changed state to %q", got.State)
				}
				return
			}
			if err != nil {
				t.Fatalf("Call() error = %v", err)
			}
			if len(affected) != 1 {
				t.Fatalf("affected %d entities, want 1", len(affected))
			}
			got := affected[0]
			if got.State != tt.wantState {
				t.Errorf("state = %q, want %q", got.State, tt.wantState)
			}
			for k, v := range tt.wantAttrs {
				if got.Attributes[k] != v {
					t.Errorf("attribute %s = %v (%T), want %v (%T)", k, got.Attributes[k], got.Attributes[k], v, v)
				}
			}
			for _, k := range tt.absent {
				if _, ok := got.Attributes[k]; ok {
					t.Errorf("attribute %s still present", k)
				}
			}
		})
	}
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{1.5, 1.5, true},
		{float32(2), 2, true},
		{3, 3, true},
		{int64(4), 4, true},
		{json.Number("5.5"), 5.5, true},
		{json.Number("x"), 0, false},
		{"6", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := toFloat(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("toFloat(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
