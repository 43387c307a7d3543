package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/wagate/pkg/wagate/backend"
)

// handleEvent is the whatsmeow event dispatcher. It translates the
// connection-related events into the backend vocabulary.
func (c *Client) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.logger.Info("whatsapp: connected")
		c.emit(backend.Event{Kind: backend.EventReady})

	case *events.PairSuccess:
		c.logger.Info("whatsapp: device paired",
			"jid", evt.ID,
			"platform", evt.Platform,
			"business", evt.BusinessName)
		c.emit(backend.Event{Kind: backend.EventAuthenticated})

	case *events.Disconnected:
		// whatsmeow reconnects on its own; only the send gate closes.
		c.ready.Store(false)
		c.logger.Warn("whatsapp: connection dropped, waiting for auto-reconnect")

	case *events.KeepAliveTimeout:
		c.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount,
			"last_success", evt.LastSuccess)

	case *events.KeepAliveRestored:
		c.logger.Info("whatsapp: keep-alive restored")

	case *events.LoggedOut:
		reason := "logged out"
		if evt.Reason != 0 {
			reason = "logged out: " + evt.Reason.String()
		}
		c.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		c.permanentFailure(reason)

	case *events.StreamReplaced:
		c.logger.Error("whatsapp: stream replaced - another client connected with the same credentials")
		c.permanentFailure("stream replaced")

	case *events.TemporaryBan:
		c.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		c.permanentFailure(fmt.Sprintf("temporary ban (%s), expires in %s", evt.Code.String(), evt.Expire))

	case *events.ClientOutdated:
		c.logger.Error("whatsapp: client outdated")
		c.permanentFailure("client outdated")

	case *events.ConnectFailure:
		permanent := evt.PermanentDisconnectDescription()
		c.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(),
			"message", evt.Message,
			"permanent", permanent)
		if permanent == "" {
			c.ready.Store(false)
			return
		}
		c.permanentFailure(permanent)
	}
}

// permanentFailure ends the lifecycle: Disconnected for a device that had
// been usable, AuthFailure for one that never got there.
func (c *Client) permanentFailure(reason string) {
	kind := backend.EventAuthFailure
	if c.everReady.Load() {
		kind = backend.EventDisconnected
	}
	c.emit(backend.Event{Kind: kind, Reason: reason})
}

// handleQRItem translates one QR channel item. It reports whether the login
// flow is over.
func (c *Client) handleQRItem(item whatsmeow.QRChannelItem) bool {
	switch item.Event {
	case "code":
		c.logger.Info("whatsapp: QR code ready", "expires_in", item.Timeout)
		c.emit(backend.Event{Kind: backend.EventLoginCode, Code: item.Code})
		return false

	case "success":
		c.logger.Info("whatsapp: login successful")
		c.emit(backend.Event{Kind: backend.EventAuthenticated})
		return true

	case "timeout":
		c.logger.Warn("whatsapp: QR code expired without a scan")
		c.emit(backend.Event{Kind: backend.EventAuthFailure, Reason: "login code expired"})
		return true

	default:
		c.logger.Error("whatsapp: QR login error", "event", item.Event, "error", item.Error)
		ev := backend.Event{Kind: backend.EventAuthFailure, Reason: item.Event, Err: item.Error}
		c.emit(ev)
		return true
	}
}
