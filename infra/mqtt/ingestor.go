// Package mqtt receives grid signal pushes over MQTT and feeds them into the
// forecast cache. Grid operators push tariff and carbon updates as retained
// JSON messages; polling the HTTP provider remains the fallback path.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker       string      `json:"broker"`
	ClientID     string      `json:"client_id"`
	Username     string      `json:"username"`
	Password     string      `json:"password"`
	WindowsTopic string      `json:"windows_topic"`
	QoS          byte        `json:"qos"`
	UseTLS       bool        `json:"use_tls"`
	ClientCert   string      `json:"client_cert"`
	ClientKey    string      `json:"client_key"`
	CABundle     string      `json:"ca_bundle"`
	TLSConfig    *tls.Config `json:"-"`
}

// SetDefaults applies defaults for optional fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "gridshift-ingestor"
	}
	if c.WindowsTopic == "" {
		c.WindowsTopic = "grid/windows"
	}
}

// WindowSink receives decoded energy windows.
type WindowSink interface {
	Ingest(windows []model.EnergyWindow)
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Ingestor subscribes to the grid windows topic and forwards every decoded
// update to the sink.
type Ingestor struct {
	cli   pahoClient
	sink  WindowSink
	topic string
	qos   byte
	log   logger.Logger
}

// windowMessage is the wire format pushed by the grid operator.
type windowMessage struct {
	ID              string    `json:"id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	PricePerKWh     float64   `json:"price_per_kwh"`
	CarbonIntensity float64   `json:"carbon_intensity_gco2_kwh"`
	CapacityKW      float64   `json:"capacity_kw"`
}

// NewIngestor connects to the broker and subscribes to the windows topic.
func NewIngestor(cfg Config, sink WindowSink) (*Ingestor, error) {
	if sink == nil {
		return nil, fmt.Errorf("mqtt: nil sink")
	}
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt-ingestor")
	ing := &Ingestor{sink: sink, topic: cfg.WindowsTopic, qos: cfg.QoS, log: log}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(ing.topic, ing.qos, ing.onMessage); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	ing.cli = c
	return ing, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (i *Ingestor) onMessage(_ paho.Client, msg paho.Message) {
	var msgs []windowMessage
	if err := json.Unmarshal(msg.Payload(), &msgs); err != nil {
		// single-window pushes arrive as a bare object
		var one windowMessage
		if err2 := json.Unmarshal(msg.Payload(), &one); err2 != nil {
			i.log.Errorf("failed to decode windows payload: %v", err)
			return
		}
		msgs = []windowMessage{one}
	}

	windows := make([]model.EnergyWindow, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || !m.End.After(m.Start) {
			i.log.Warnf("skipping malformed window %q", m.ID)
			continue
		}
		windows = append(windows, model.EnergyWindow{
			ID:              m.ID,
			Start:           m.Start,
			End:             m.End,
			PricePerKWh:     m.PricePerKWh,
			CarbonIntensity: m.CarbonIntensity,
			CapacityKW:      m.CapacityKW,
			Source:          model.SourceProvider,
		})
	}
	if len(windows) == 0 {
		return
	}
	i.sink.Ingest(windows)
	i.log.Debugf("ingested %d windows from %s", len(windows), msg.Topic())
}

// Close disconnects from the broker.
func (i *Ingestor) Close() {
	if i.cli != nil && i.cli.IsConnected() {
		i.cli.Disconnect(250)
	}
}
