package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/core/volume"
)

// ErrParse is the sentinel matched by every ParseError.
var ErrParse = errors.New("notify: malformed notification")

// ParseError reports a frame that could not be turned into an envelope or event.
// It never ends the stream.
type ParseError struct {
	Frame  []byte
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notify: %s: %v", e.Reason, e.Err)
	}
	return "notify: " + e.Reason
}

// Unwrap lets errors.Is match both ErrParse and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrParse, e.Err}
	}
	return []error{ErrParse}
}

// Notification kinds and types understood by Classify.
const (
	KindRenderer = "renderer"
	KindPlaying  = "playing"

	TypeVolume              = "VOLUME"
	TypeNowPlayingStored    = "NOW_PLAYING_STORED_MUSIC"
	TypeProgressInformation = "PROGRESS_INFORMATION"
)

// Envelope is one decoded notification before classification.
type Envelope struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope decodes a single frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var wire struct {
		Notification *Envelope `json:"notification"`
	}
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, &ParseError{Frame: frame, Reason: "decode envelope", Err: err}
	}
	if wire.Notification == nil {
		return Envelope{}, &ParseError{Frame: frame, Reason: "missing notification"}
	}
	env := *wire.Notification
	if env.Kind == "" || env.Type == "" {
		return Envelope{}, &ParseError{Frame: frame, Reason: "missing kind or type"}
	}
	return env, nil
}

type image struct {
	URL string `json:"url"`
}

type nowPlayingData struct {
	Name            string  `json:"name"`
	Artist          string  `json:"artist"`
	Album           string  `json:"album"`
	Duration        *int    `json:"duration"`
	PlayQueueItemID string  `json:"playQueueItemId"`
	TrackImage      []image `json:"trackImage"`
	AlbumImage      []image `json:"albumImage"`
}

type progressData struct {
	State    string   `json:"state"`
	Position *float64 `json:"position"`
}

type volumeData struct {
	Speaker *struct {
		Level *int `json:"level"`
	} `json:"speaker"`
}

// Classify turns an envelope into a domain event. Envelopes of an unknown
// (kind, type) pair return ok=false and no error.
func Classify(env Envelope) (evt state.Event, ok bool, err error) {
	switch {
	case env.Kind == KindRenderer && env.Type == TypeVolume:
		var d volumeData
		if err := decodeData(env, &d); err != nil {
			return state.Event{}, false, err
		}
		if d.Speaker == nil || d.Speaker.Level == nil {
			return state.Event{}, false, &ParseError{Frame: env.Data, Reason: "volume: missing speaker.level"}
		}
		return state.VolumeEvent(state.Volume{Percentage: volume.ToPercentage(*d.Speaker.Level)}), true, nil

	case env.Kind == KindPlaying && env.Type == TypeNowPlayingStored:
		var d nowPlayingData
		if err := decodeData(env, &d); err != nil {
			return state.Event{}, false, err
		}
		return state.TrackEvent(state.Track{
			Name:            d.Name,
			Artist:          d.Artist,
			Album:           d.Album,
			ImageURL:        firstImage(d.TrackImage, d.AlbumImage),
			DurationSeconds: d.Duration,
			QueueItemID:     d.PlayQueueItemID,
		}), true, nil

	case env.Kind == KindPlaying && env.Type == TypeProgressInformation:
		var d progressData
		if err := decodeData(env, &d); err != nil {
			return state.Event{}, false, err
		}
		t := state.Transport{Playing: d.State == "play"}
		if d.Position != nil {
			t.PositionSeconds = *d.Position
		}
		return state.TransportEvent(t), true, nil
	}
	return state.Event{}, false, nil
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return &ParseError{Frame: env.Data, Reason: fmt.Sprintf("%s/%s: missing data", env.Kind, env.Type)}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &ParseError{Frame: env.Data, Reason: fmt.Sprintf("%s/%s: decode data", env.Kind, env.Type), Err: err}
	}
	return nil
}

func firstImage(sets ...[]image) string {
	for _, set := range sets {
		if len(set) > 0 && set[0].URL != "" {
			return set[0].URL
		}
	}
	return ""
}

// Decode parses and classifies one frame.
func Decode(frame []byte) (state.Event, bool, error) {
	env, err := ParseEnvelope(frame)
	if err != nil {
		return state.Event{}, false, err
	}
	return Classify(env)
}
