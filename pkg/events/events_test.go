package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tcases := []struct {
		name    string
		typ     Type
		payload Payload
		err     error
	}{
		{
			name:    "task updated",
			typ:     TypeTaskUpdated,
			payload: TaskChange{TaskId: "t1"},
		},
		{
			name:    "status changed uses task payload",
			typ:     TypeTaskStatusChanged,
			payload: TaskChange{TaskId: "t1"},
		},
		{
			name:    "comment payload on task type",
			typ:     TypeTaskUpdated,
			payload: CommentChange{CommentId: "c1"},
			err:     ErrPayloadMismatch,
		},
		{
			name:    "unknown type",
			typ:     Type("TaskArchived"),
			payload: TaskChange{TaskId: "t1"},
			err:     ErrUnknownType,
		},
		{
			name: "nil payload",
			typ:  TypeUserLeft,
			err:  ErrMissingPayload,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := New(tc.typ, tc.payload)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.typ, env.Type)
			assert.Equal(t, tc.payload, env.Payload)
		})
	}
}

func TestEnvelopeDecodeByType(t *testing.T) {
	ts := time.Date(2026, 1, 3, 17, 10, 29, 0, time.UTC)
	env, err := New(TypeCommentAdded, CommentChange{
		CommentId: "c1",
		TaskId:    "t1",
		UpdatedBy: "u1",
		Timestamp: ts,
		Data:      json.RawMessage(`{"body":"hi"}`),
	})
	require.NoError(t, err)
	env.GroupKey = ViewersGroup("t1").Key()
	env.Timestamp = ts

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeCommentAdded, decoded.Type)
	assert.Equal(t, "task:t1:viewers", decoded.GroupKey)

	comment, ok := decoded.Payload.(CommentChange)
	require.True(t, ok, "expected CommentChange payload, got %T", decoded.Payload)
	assert.Equal(t, "c1", comment.CommentId)
	assert.JSONEq(t, `{"body":"hi"}`, string(comment.Data))
}

func TestEnvelopeDecodeRejectsMalformed(t *testing.T) {
	tcases := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "unknown type", raw: `{"type":"Bogus","payload":{}}`, err: ErrUnknownType},
		{name: "missing payload", raw: `{"type":"UserLeft"}`, err: ErrMissingPayload},
		{name: "null payload", raw: `{"type":"UserLeft","payload":null}`, err: ErrMissingPayload},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			err := json.Unmarshal([]byte(tc.raw), &env)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("payload of wrong shape", func(t *testing.T) {
		var env Envelope
		err := json.Unmarshal([]byte(`{"type":"UserTyping","payload":{"is_typing":"yes"}}`), &env)
		assert.Error(t, err)
	})
}

func TestEveryTypeHasDecoder(t *testing.T) {
	for _, typ := range Types {
		assert.Truef(t, typ.Valid(), "expected %s to be in the catalog", typ)
	}
	assert.Len(t, decoders, len(Types))
}

func TestGroupKeys(t *testing.T) {
	tcases := []struct {
		group Group
		key   string
	}{
		{WorkspaceGroup("w1"), "workspace:w1"},
		{ProjectGroup("p1"), "project:p1"},
		{ViewersGroup("t1"), "task:t1:viewers"},
		{NotificationsGroup("u1"), "user:u1:notifications"},
	}

	for _, tc := range tcases {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.key, tc.group.Key())

			parsed, err := ParseGroup(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.group, parsed)
		})
	}
}

func TestParseGroupInvalid(t *testing.T) {
	for _, key := range []string{"", "workspace", "workspace:", "team:1", "task:1", "task:1:editors", "user::notifications"} {
		_, err := ParseGroup(key)
		assert.ErrorIsf(t, err, ErrInvalidGroup, "expected %q to be rejected", key)
	}
}
