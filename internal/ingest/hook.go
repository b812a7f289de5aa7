package ingest

import (
	"bytes"
	"context"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Hook adapts the coordinator to the embedded broker's event API. It is
// a thin shim; all decisions live in the coordinator.
type Hook struct {
	mqtt.HookBase
	coord *Coordinator
}

// NewHook wraps a coordinator for registration with the broker.
func NewHook(coord *Coordinator) *Hook {
	return &Hook{coord: coord}
}

// ID returns the hook identifier.
func (h *Hook) ID() string {
	return "metergrid-ingest"
}

// Provides indicates which broker events this hook handles.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSessionEstablished,
		mqtt.OnPublish,
		mqtt.OnDisconnect,
	}, []byte{b})
}

// OnConnectAuthenticate gates every connection on the shared secret.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	err := h.coord.Authenticate(cl.ID, string(cl.Properties.Username), pk.Connect.Password)
	return err == nil
}

// OnACLCheck allows authenticated clients full topic access. Topic
// scoping per meter is an open item; meters are trusted with the shared
// secret today.
func (h *Hook) OnACLCheck(_ *mqtt.Client, _ string, _ bool) bool {
	return true
}

// OnSessionEstablished fires the coordinator's connect handling.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	h.coord.HandleConnect(cl.ID, string(cl.Properties.Username))
}

// OnPublish routes inbound messages into the coordinator. The packet is
// always passed through unchanged so dashboards subscribed to the same
// topics still receive it.
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	h.coord.HandleMessage(context.Background(), cl.ID, pk.TopicName, pk.Payload)
	return pk, nil
}

// OnDisconnect records the closed connection.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.coord.HandleDisconnect(cl.ID, err)
}
