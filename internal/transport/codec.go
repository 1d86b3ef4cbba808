/*
 * Copyright (c) 2019-2022, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shardmesh/shardmesh/internal/state"
)

// wireEvent is the JSON shape carried inside the BytesValue envelope,
// matching the event log's documented wire format: a tagged record of
// ordinal, kind, and variant-specific payload. Unknown fields are ignored;
// an unknown kind makes DecodeEvent return an error, which the server logs
// before skipping that event, so older/newer workers and masters stay
// wire-compatible.
type wireEvent struct {
	Ordinal uint64          `json:"ordinal"`
	Kind    state.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes ev into the gRPC wire envelope.
func EncodeEvent(ev state.Event) (*wrapperspb.BytesValue, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal payload: %w", err)
	}
	body, err := json.Marshal(wireEvent{Ordinal: ev.Ordinal, Kind: ev.Kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}
	return wrapperspb.Bytes(body), nil
}

// DecodeEvent recovers an Event from the gRPC wire envelope. The payload is
// decoded according to Kind; an unrecognized Kind is returned as an error
// so the caller can log-and-skip per the wire format's version-tolerance
// contract, rather than panicking on an unknown variant.
func DecodeEvent(env *wrapperspb.BytesValue) (state.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(env.GetValue(), &w); err != nil {
		return state.Event{}, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}

	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return state.Event{}, err
	}

	return state.Event{Ordinal: w.Ordinal, Kind: w.Kind, Payload: payload}, nil
}

// DecodeAck recovers the acknowledged ordinal from an envelope the master
// sent back in response to a Stream.Send. It reads the envelope's own tag
// rather than going through DecodeEvent/decodePayload, since an ack is not
// a state.Event variant.
func DecodeAck(env *wrapperspb.BytesValue) (uint64, error) {
	var w wireEvent
	if err := json.Unmarshal(env.GetValue(), &w); err != nil {
		return 0, fmt.Errorf("transport: unmarshal ack envelope: %w", err)
	}
	var p ackPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return 0, fmt.Errorf("transport: unmarshal ack payload: %w", err)
	}
	return p.Ordinal, nil
}

func decodePayload(kind state.Kind, raw json.RawMessage) (interface{}, error) {
	var payload interface{}
	switch kind {
	case state.KindNodeJoined:
		payload = &state.NodeJoinedPayload{}
	case state.KindNodeLeft:
		payload = &state.NodeLeftPayload{}
	case state.KindDeviceDiscovered:
		payload = &state.DeviceDiscoveredPayload{}
	case state.KindDeviceMetricsUpdated:
		payload = &state.DeviceMetricsUpdatedPayload{}
	case state.KindLinkMetricsMeasured:
		payload = &state.LinkMetricsMeasuredPayload{}
	case state.KindInstanceRequested:
		payload = &state.InstanceRequestedPayload{}
	case state.KindShardPlaced:
		payload = &state.ShardPlacedPayload{}
	case state.KindInstanceRetired:
		payload = &state.InstanceRetiredPayload{}
	case state.KindAccessGranted:
		payload = &state.AccessGrantedPayload{}
	case state.KindAccessRevoked:
		payload = &state.AccessRevokedPayload{}
	default:
		return nil, fmt.Errorf("transport: unknown event kind %q", kind)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("transport: unmarshal payload for kind %q: %w", kind, err)
	}

	// state.Event.Payload carries payload structs by value everywhere else
	// (event.go, log.go, snapshot.go all switch on the value type), so
	// dereference the pointer json.Unmarshal needed to populate.
	switch p := payload.(type) {
	case *state.NodeJoinedPayload:
		return *p, nil
	case *state.NodeLeftPayload:
		return *p, nil
	case *state.DeviceDiscoveredPayload:
		return *p, nil
	case *state.DeviceMetricsUpdatedPayload:
		return *p, nil
	case *state.LinkMetricsMeasuredPayload:
		return *p, nil
	case *state.InstanceRequestedPayload:
		return *p, nil
	case *state.ShardPlacedPayload:
		return *p, nil
	case *state.InstanceRetiredPayload:
		return *p, nil
	case *state.AccessGrantedPayload:
		return *p, nil
	case *state.AccessRevokedPayload:
		return *p, nil
	default:
		return nil, fmt.Errorf("transport: unreachable payload type %T", payload)
	}
}
