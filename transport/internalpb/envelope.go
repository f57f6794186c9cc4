// Copyright 2015 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package internalpb defines the wire envelope carried on the internal
// event bus (spec §4.5.1, §6.1), mirroring
// prometheus/alertmanager/cluster/clusterpb.Part: a thin key/data wrapper
// marshaled with gogo/protobuf, with the structured TICK/PROCESS/
// STATISTICS body encoded as JSON inside Body.
package internalpb

import "github.com/gogo/protobuf/proto"

// Envelope wraps one internal-bus message: which kind of event it is,
// which peer it originated from, and its JSON-encoded body.
type Envelope struct {
	Header int32  `protobuf:"varint,1,opt,name=header,proto3" json:"header,omitempty"`
	Origin string `protobuf:"bytes,2,opt,name=origin,proto3" json:"origin,omitempty"`
	Body   []byte `protobuf:"bytes,3,opt,name=body,proto3" json:"body,omitempty"`

	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

// Marshal serializes the envelope for transmission on the gossip
// broadcast queue (spec §4.5.1).
func Marshal(e *Envelope) ([]byte, error) {
	return proto.Marshal(e)
}

// Unmarshal deserializes a broadcast payload back into an Envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := proto.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
