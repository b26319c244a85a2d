package control

import (
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/syncore/hqvgw/internal/ctrlframe"
)

func TestWSBridge_RelaysMessageToControlServerAndBack(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start(t.Context()))
	defer srv.Stop()

	controlPort := srv.Addr().(*net.TCPAddr).Port
	bridge := NewWSBridge(controlPort, nil)
	ts := httptest.NewServer(bridge)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, ctrlframe.Encode([]byte{byte(OpGetStatusCode)})))

	_, resp, err := conn.ReadMessage()
	require.NoError(t, err)

	decoder := ctrlframe.NewDecoder()
	frames := decoder.Feed(resp)
	require.Len(t, frames, 1)

	body := frames[0]
	require.Len(t, body, 3)
	require.Equal(t, byte(kindACK), body[0])
	require.Equal(t, byte(OpGetStatusCode), body[1])
}
