package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/user/agentfs/internal/types"
)

// Events are stored as deterministic CBOR; records as JSON so they stay
// readable with plain sqlite tooling.
var (
	eventEnc cbor.EncMode
	eventDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	eventEnc, err = opts.EncMode()
	if err != nil {
		panic("lifecycle: cbor encoder: " + err.Error())
	}
	eventDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("lifecycle: cbor decoder: " + err.Error())
	}
}

func encodeEvent(ev *types.Event) ([]byte, error) {
	data, err := eventEnc.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (*types.Event, error) {
	var ev types.Event
	if err := eventDec.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func encodeRecord(rec *types.AgentRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal agent record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*types.AgentRecord, error) {
	var rec types.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal agent record: %w", err)
	}
	return &rec, nil
}
