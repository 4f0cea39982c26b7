// Package broker embeds a mochi-mqtt server so the messaging server ships
// its own MQTT broker rather than depending on an external one. It backs
// every channel in the delivery fabric's pub/sub topology; the service
// itself still talks to it as a regular client through mqttclient.Client.
package broker

import (
	"github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

type Broker struct {
	server *mqtt.Server
	log    zerolog.Logger
}

// Listen starts an embedded broker bound to addr (e.g. "127.0.0.1:1883").
func Listen(addr string, log zerolog.Logger) (*Broker, error) {
	server := mqtt.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "echofabric", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	b := &Broker{server: server, log: log.With().Str("component", "broker").Logger()}
	go func() {
		if err := server.Serve(); err != nil {
			b.log.Error().Err(err).Msg("mqtt broker stopped")
		}
	}()
	b.log.Info().Str("addr", addr).Msg("embedded mqtt broker listening")
	return b, nil
}

func (b *Broker) Close() error {
	return b.server.Close()
}
