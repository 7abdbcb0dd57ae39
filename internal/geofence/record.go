package geofence

import (
	"encoding/json"
	"errors"
	"fmt"

	"geofenced/internal/model"
)

const recordVersion = 2

// recordV2 is the current on-disk shape.
type recordV2 struct {
	Version  int            `json:"version"`
	Geofence model.Geofence `json:"geofence"`
}

// recordV1 is the flat, status-less shape written by earlier releases.
type recordV1 struct {
	ID              string                `json:"id"`
	Location        model.Location        `json:"location"`
	RadiusMeters    float64               `json:"radiusMeters"`
	Triggers        []model.Trigger       `json:"triggers"`
	IOSSettings     model.IOSSettings     `json:"iosSettings"`
	AndroidSettings model.AndroidSettings `json:"androidSettings"`
	CallbackHandle  int64                 `json:"callbackHandle"`
}

var errCorrupt = errors.New("corrupt geofence record")

func encodeRecord(g model.Geofence) ([]byte, error) {
	return json.Marshal(recordV2{Version: recordVersion, Geofence: g})
}

// decodeRecord tries the current schema first, then each legacy schema.
// migrated is true when the caller should rewrite the record.
func decodeRecord(b []byte, nowMillis int64) (g model.Geofence, migrated bool, err error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return g, false, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	switch head.Version {
	case recordVersion:
		var r recordV2
		if err := json.Unmarshal(b, &r); err != nil {
			return g, false, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		if r.Geofence.ID == "" {
			return g, false, fmt.Errorf("%w: missing id", errCorrupt)
		}
		if r.Geofence.Status == "" {
			r.Geofence.Status = model.StatusPending
		}
		return r.Geofence, false, nil
	case 0:
		var r recordV1
		if err := json.Unmarshal(b, &r); err != nil {
			return g, false, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		if r.ID == "" || len(r.Triggers) == 0 {
			return g, false, fmt.Errorf("%w: not a legacy record", errCorrupt)
		}
		// Legacy geofences were registered and honored before the upgrade.
		return model.Geofence{
			Definition: model.Definition{
				ID:              r.ID,
				Location:        r.Location,
				RadiusMeters:    r.RadiusMeters,
				Triggers:        r.Triggers,
				IOSSettings:     r.IOSSettings,
				AndroidSettings: r.AndroidSettings,
				CallbackHandle:  r.CallbackHandle,
			},
			Status:                model.StatusActive,
			CreatedAtMillis:       nowMillis,
			StatusChangedAtMillis: nowMillis,
		}, true, nil
	default:
		return g, false, fmt.Errorf("%w: unknown version %d", errCorrupt, head.Version)
	}
}
