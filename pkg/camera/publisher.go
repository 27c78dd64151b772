package camera

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

// WSPublisher sends CAM_FRAME frames on a dedicated websocket to the
// upstream camera ingest endpoint, authenticated with the same bearer
// credential as the main transport.
type WSPublisher struct {
	cameraID string

	mu   sync.Mutex
	conn *websocket.Conn
}

// DialPublisher connects to <origin>/hardshare/cam/<cameraID>/upload.
func DialPublisher(origin, cameraID, token string) (*WSPublisher, error) {
	url := fmt.Sprintf("%s/hardshare/cam/%s/upload", origin, cameraID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: HTTP %d", types.ErrTransportAuthFailed, resp.StatusCode)
		}
		return nil, err
	}

	p := &WSPublisher{cameraID: cameraID, conn: conn}
	// Drain inbound control traffic; gorilla answers pings during reads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return p, nil
}

// Publish sends one cropped frame for a WD.
func (p *WSPublisher) Publish(wdid string, jpegData []byte) error {
	f := &types.Frame{
		Cmd:      types.CmdCamFrame,
		WDID:     wdid,
		CameraID: p.cameraID,
		Data:     DataURL(jpegData),
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the ingest connection.
func (p *WSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := p.conn.Close()
	if err != nil {
		logger := log.For("camera")
		logger.Debug().Err(err).Msg("ingest close")
	}
	return err
}
