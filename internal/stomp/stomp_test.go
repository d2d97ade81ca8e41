package stomp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danapple/brokergw/internal/stomp"
)

func TestParse_Connect(t *testing.T) {
	frame, err := stomp.Parse(stomp.Connect())

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdConnect, frame.Command)
	assert.Equal(t, "1.2,2.0", frame.Header("accept-version"))
	assert.Empty(t, frame.Body)
}

func TestParse_Connected(t *testing.T) {
	frame, err := stomp.Parse(stomp.Connected())

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdConnected, frame.Command)
	assert.Equal(t, "1.2", frame.Header("version"))
}

func TestParse_Subscribe(t *testing.T) {
	frame, err := stomp.Parse(stomp.Subscribe("sub-1", "/account/acct-1"))

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdSubscribe, frame.Command)
	assert.Equal(t, "sub-1", frame.Header("id"))
	assert.Equal(t, "/account/acct-1", frame.Header("destination"))
	assert.Equal(t, "auto", frame.Header("ack"))
}

func TestParse_Unsubscribe(t *testing.T) {
	frame, err := stomp.Parse(stomp.Unsubscribe("sub-1"))

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdUnsubscribe, frame.Command)
	assert.Equal(t, "sub-1", frame.Header("id"))
}

func TestParse_Message(t *testing.T) {
	body := `{"order_id":1}`
	frame, err := stomp.Parse(stomp.Message("/account/acct-1", "sub-1", "msg-1", body))

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdMessage, frame.Command)
	assert.Equal(t, "/account/acct-1", frame.Header("destination"))
	assert.Equal(t, "sub-1", frame.Header("subscription"))
	assert.Equal(t, "msg-1", frame.Header("message-id"))
	assert.Equal(t, len(body), frame.ContentLength())
	assert.Equal(t, body, frame.Body)
}

func TestParse_Disconnect(t *testing.T) {
	frame, err := stomp.Parse(stomp.Disconnect())

	require.NoError(t, err)
	assert.Equal(t, stomp.CmdDisconnect, frame.Command)
}

func TestParse_MultilineBodyPreserved(t *testing.T) {
	raw := "MESSAGE\ndestination:/d\n\nline one\nline two\x00"

	frame, err := stomp.Parse(raw)

	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", frame.Body)
}

func TestParse_HeaderLineWithoutColonIsSkipped(t *testing.T) {
	raw := "SEND\nmalformed-header\ndestination:/d\n\nbody\x00"

	frame, err := stomp.Parse(raw)

	require.NoError(t, err)
	assert.Equal(t, "/d", frame.Header("destination"))
	assert.Empty(t, frame.Header("malformed-header"))
}

func TestContentLength_DefaultsToMinusOneWhenAbsent(t *testing.T) {
	frame, err := stomp.Parse(stomp.Connect())

	require.NoError(t, err)
	assert.Equal(t, -1, frame.ContentLength())
}
