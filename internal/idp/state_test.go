package idp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateSecret = []byte("state-test-secret-0123456789abcdef00")

func TestStateRoundTrip(t *testing.T) {
	encoded, err := EncodeState(stateSecret, State{
		AgentID:             "agent-1",
		Scopes:              []string{"calendar:read"},
		CodeChallenge:       "challenge-value",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	st, err := DecodeState(stateSecret, encoded, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, []string{"calendar:read"}, st.Scopes)
	assert.Equal(t, "challenge-value", st.CodeChallenge)
	assert.Equal(t, "S256", st.CodeChallengeMethod)
	assert.NotEmpty(t, st.Nonce)
}

func TestStateNonceIsFresh(t *testing.T) {
	a, err := EncodeState(stateSecret, State{AgentID: "agent-1"})
	require.NoError(t, err)
	b, err := EncodeState(stateSecret, State{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestStateTampered(t *testing.T) {
	encoded, err := EncodeState(stateSecret, State{AgentID: "agent-1"})
	require.NoError(t, err)

	body, sig, ok := strings.Cut(encoded, ".")
	require.True(t, ok)

	_, err = DecodeState(stateSecret, body+"x."+sig, time.Now())
	assert.ErrorIs(t, err, ErrStateInvalid)

	_, err = DecodeState(stateSecret, body+"."+strings.Repeat("f", len(sig)+2), time.Now())
	assert.ErrorIs(t, err, ErrStateInvalid)

	_, err = DecodeState(stateSecret, "no-separator", time.Now())
	assert.ErrorIs(t, err, ErrStateInvalid)

	_, err = DecodeState([]byte("different-secret-0123456789abcdef000"), encoded, time.Now())
	assert.ErrorIs(t, err, ErrStateInvalid)
}

func TestStateExpired(t *testing.T) {
	encoded, err := EncodeState(stateSecret, State{AgentID: "agent-1"})
	require.NoError(t, err)

	_, err = DecodeState(stateSecret, encoded, time.Now().Add(StateTTL+time.Minute))
	assert.ErrorIs(t, err, ErrStateExpired)
}
