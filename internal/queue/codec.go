package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"geofenced/internal/model"
)

const snapshotVersion = 1

// snapshot is the persisted queue. Struct fields use their json tags.
type snapshot struct {
	Version int                 `json:"version"`
	Events  []model.QueuedEvent `json:"events"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(events []model.QueuedEvent) ([]byte, error) {
	return encMode.Marshal(snapshot{Version: snapshotVersion, Events: events})
}

var errCorrupt = errors.New("corrupt queue snapshot")

// decode reads the current CBOR snapshot, falling back to the legacy JSON list.
func decode(b []byte) ([]model.QueuedEvent, error) {
	var s snapshot
	cerr := decMode.Unmarshal(b, &s)
	if cerr == nil {
		if s.Version != snapshotVersion {
			return nil, fmt.Errorf("%w: unknown version %d", errCorrupt, s.Version)
		}
		return s.Events, nil
	}
	var legacy []model.QueuedEvent
	if err := json.Unmarshal(b, &legacy); err == nil {
		return legacy, nil
	}
	return nil, fmt.Errorf("%w: %v", errCorrupt, cerr)
}
