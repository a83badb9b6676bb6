package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

func TestDecodeReturnsTypedMessages(t *testing.T) {
	q := Question{ShuffledQuestion: domain.ShuffledQuestion{
		ID: "q1", Text: "2+2?", Options: []string{"4", "3"}, CorrectIndex: 0, TimeLimitSeconds: 10,
	}}
	env, err := Encode(q)
	require.NoError(t, err)
	require.Equal(t, KindQuestion, env.Kind)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	msg, err := DecodeBytes(raw)
	require.NoError(t, err)

	got, ok := msg.(Question)
	require.True(t, ok, "expected Question, got %T", msg)
	require.Equal(t, q, got)
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]Envelope{
		"unknown kind":       {Kind: "PING", Payload: json.RawMessage(`{}`)},
		"missing payload":    {Kind: KindJoin},
		"bad json":           {Kind: KindAck, Payload: json.RawMessage(`{"questionId":`)},
		"empty name":         {Kind: KindJoin, Payload: json.RawMessage(`{"displayName":"  "}`)},
		"one option":         {Kind: KindQuestion, Payload: json.RawMessage(`{"id":"q","options":["a"],"correctIndex":0,"timeLimitSeconds":5}`)},
		"index out of range": {Kind: KindQuestion, Payload: json.RawMessage(`{"id":"q","options":["a","b"],"correctIndex":2,"timeLimitSeconds":5}`)},
		"negative option":    {Kind: KindResponse, Payload: json.RawMessage(`{"questionId":"q","selectedOption":-1}`)},
		"unknown heartbeat":  {Kind: KindHeartbeat, Payload: json.RawMessage(`{"status":"paused"}`)},
		"wrong type":         {Kind: KindIntegrity, Payload: json.RawMessage(`{"violationCount":"many"}`)},
		"no end time":        {Kind: KindSessionEnded, Payload: json.RawMessage(`{}`)},
		"duplicate leader":   {Kind: KindResults, Payload: json.RawMessage(`{"leaderboard":[{"participantId":"a"},{"participantId":"a"}]}`)},
	}
	for name, env := range cases {
		_, err := Decode(env)
		require.Truef(t, errors.Is(err, domain.ErrMalformedMessage), "%s: got %v", name, err)
	}
}

func TestDecodeBytesRejectsGarbage(t *testing.T) {
	_, err := DecodeBytes([]byte("not json"))
	require.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestResponseKeepsNullSelection(t *testing.T) {
	env, err := Encode(Response{AnswerRecord: domain.AnswerRecord{
		ParticipantID: "p1",
		QuestionID:    "q1",
		SubmittedAt:   time.Unix(10, 0).UTC(),
	}})
	require.NoError(t, err)
	require.Contains(t, string(env.Payload), `"selectedOption":null`)

	msg, err := Decode(env)
	require.NoError(t, err)
	require.Nil(t, msg.(Response).SelectedOption)
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(Heartbeat{Status: "bogus"})
	require.ErrorIs(t, err, domain.ErrMalformedMessage)
}
