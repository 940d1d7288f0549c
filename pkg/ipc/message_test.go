// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/ramalloc/pkg/ipc"
)

type echo struct {
	Text string `json:"text"`
}

func (*echo) MessageType() ipc.MessageType { return "echo" }

type fail struct{}

func (*fail) MessageType() ipc.MessageType { return "fail" }

type crash struct{}

func (*crash) MessageType() ipc.MessageType { return "crash" }

func newDecoder() *ipc.Decoder {
	return ipc.NewDecoder(
		func() ipc.Payload { return &echo{} },
		func() ipc.Payload { return &fail{} },
	)
}

func TestMessageEncoding(t *testing.T) {
	data, err := json.Marshal(ipc.NewMessage("1-2-abc", &echo{Text: "hi"}))
	require.NoError(t, err)
	require.JSONEq(t, `["echo","1-2-abc",{"text":"hi"}]`, string(data))

	data, err = json.Marshal(ipc.NewMessage("", &echo{Text: "hi"}))
	require.NoError(t, err)
	require.JSONEq(t, `["echo",null,{"text":"hi"}]`, string(data))

	data, err = json.Marshal(&ipc.Response{RequestID: "1-2-abc", Payload: &echo{Text: "ok"}})
	require.NoError(t, err)
	require.JSONEq(t, `["1-2-abc",{"text":"ok"}]`, string(data))
}

func TestMessageDecoding(t *testing.T) {
	type testCase struct {
		name     string
		data     string
		expected *ipc.Message
		invalid  bool
	}
	for _, tc := range []*testCase{
		{
			name:     "request",
			data:     `["echo","7-1-x",{"text":"hi"}]`,
			expected: ipc.NewMessage("7-1-x", &echo{Text: "hi"}),
		},
		{
			name:     "fire and forget",
			data:     `["fail",null,{}]`,
			expected: ipc.NewMessage("", &fail{}),
		},
		{
			name:    "unknown type",
			data:    `["crash",null,{}]`,
			invalid: true,
		},
		{
			name:    "short tuple",
			data:    `["echo",null]`,
			invalid: true,
		},
		{
			name:    "unknown field",
			data:    `["echo",null,{"txt":"hi"}]`,
			invalid: true,
		},
		{
			name:    "bad request ID",
			data:    `["echo",12,{"text":"hi"}]`,
			invalid: true,
		},
		{
			name:    "not a tuple",
			data:    `{"type":"echo"}`,
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := newDecoder().Decode([]byte(tc.data))
			if tc.invalid {
				require.ErrorIs(t, err, ipc.ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, msg)
			require.NoError(t, msg.Validate())
		})
	}
}

func TestResponseDecoding(t *testing.T) {
	rpl := &ipc.Response{}
	require.NoError(t, json.Unmarshal([]byte(`["1-2-abc",{"text":"ok"}]`), rpl))
	require.Equal(t, "1-2-abc", rpl.RequestID)

	payload := &echo{}
	require.NoError(t, json.Unmarshal(rpl.Payload.(json.RawMessage), payload))
	require.Equal(t, "ok", payload.Text)

	require.NoError(t, json.Unmarshal([]byte(`["1-2-abc",null]`), rpl))
	require.Nil(t, rpl.Payload)

	require.Error(t, json.Unmarshal([]byte(`["1-2-abc"]`), rpl))
}

func TestMessageValidation(t *testing.T) {
	msg := &ipc.Message{Type: "echo", Payload: &fail{}}
	require.ErrorIs(t, msg.Validate(), ipc.ErrMalformedMessage)

	msg = &ipc.Message{Type: "echo"}
	require.ErrorIs(t, msg.Validate(), ipc.ErrMalformedMessage)
}

func TestRequestID(t *testing.T) {
	a, b := ipc.NewRequestID(42), ipc.NewRequestID(42)
	require.NotEqual(t, a, b)
	require.Regexp(t, `^42-[0-9]+-[0-9a-f]{8}$`, a)
}
