// Package mqtt is an optional control-plane plugin exposing a kernel's
// operations (upload, pause, resume, cancel, retry) to a remote twin over
// MQTT, and reporting its progress back as feature-property updates.
//
// Grounded on EdgeConnector (client/edge.go) for the broker
// connection/TLS setup, and on AutoUploadable's ditto.Client wiring
// (client/uploadable.go) for the envelope dispatch and property-update
// shape. Command parsing/dispatch is split out into Dispatcher so it can be
// exercised without a live broker, the same separation AutoUploadable kept
// between its business logic and its MQTT/ditto transport.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/eclipse/ditto-clients-golang"
	"github.com/eclipse/ditto-clients-golang/model"
	"github.com/eclipse/ditto-clients-golang/protocol"
	"github.com/eclipse/ditto-clients-golang/protocol/things"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kanto-io/uploadkit/kernel"
)

// BrokerConfig contains address and credentials for the MQTT broker,
// unchanged in shape from client.BrokerConfig.
type BrokerConfig struct {
	Broker   string `json:"broker,omitempty" env:"MQTT_BROKER" def:"tcp://localhost:1883" descr:"Local MQTT broker address"`
	Username string `json:"username,omitempty" env:"MQTT_USERNAME" descr:"Username for authorized local client"`
	Password string `json:"password,omitempty" env:"MQTT_PASSWORD" descr:"Password for authorized local client"`
	CaCert   string `json:"caCert,omitempty" env:"MQTT_CA_CERT" descr:"PEM encoded certificate authority for the broker"`
	Cert     string `json:"cert,omitempty" env:"MQTT_CERT" descr:"PEM encoded client certificate"`
	Key      string `json:"key,omitempty" env:"MQTT_KEY" descr:"Private key for the client certificate"`
}

// Options configures a Controller.
type Options struct {
	Broker    BrokerConfig
	DeviceID  string // namespace:name identifying the twin
	FeatureID string // feature ID this controller reports under, default "uploadEngine"
}

func (o *Options) withDefaults() {
	if o.FeatureID == "" {
		o.FeatureID = "uploadEngine"
	}
}

// Command is the JSON shape a remote twin sends to drive the kernel.
type Command struct {
	Action      string   `json:"action"` // upload | pause | resume | cancel | retry | retryAll
	FileIDs     []string `json:"fileIds,omitempty"`
	FileID      string   `json:"fileId,omitempty"` // retry: file to retry as a fresh single-file batch
	CorrelationID string `json:"correlationId,omitempty"`
}

// Dispatcher applies Commands to a kernel. Kept free of any MQTT/ditto
// dependency so command handling can be unit tested directly.
type Dispatcher struct {
	kernel *kernel.Kernel
}

// NewDispatcher constructs a Dispatcher over k.
func NewDispatcher(k *kernel.Kernel) *Dispatcher {
	return &Dispatcher{kernel: k}
}

// Handle applies one decoded Command, returning an HTTP-shaped status and
// message, mirroring the {Status, Message} shape of ErrorResponse.
func (d *Dispatcher) Handle(cmd Command) (status int, message string) {
	switch cmd.Action {
	case "upload":
		if _, err := d.kernel.Upload(cmd.FileIDs); err != nil {
			return 500, err.Error()
		}
		return 204, ""
	case "pause":
		d.kernel.PauseAll()
		return 204, ""
	case "resume":
		d.kernel.ResumeAll()
		return 204, ""
	case "cancel":
		d.kernel.CancelAll()
		return 204, ""
	case "retry":
		if cmd.FileID == "" {
			return 400, "retry requires fileId"
		}
		if _, err := d.kernel.RetryUpload(cmd.FileID); err != nil {
			return 500, err.Error()
		}
		return 204, ""
	case "retryAll":
		if _, err := d.kernel.RetryAll(); err != nil {
			return 500, err.Error()
		}
		return 204, ""
	default:
		return 400, fmt.Sprintf("unknown action %q", cmd.Action)
	}
}

// HandlePayload decodes raw JSON into a Command and applies it.
func (d *Dispatcher) HandlePayload(raw []byte) (status int, message string) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return 400, fmt.Sprintf("malformed command: %v", err)
	}
	return d.Handle(cmd)
}

// Controller connects a kernel to an MQTT broker: it applies inbound
// Commands and republishes kernel progress as feature-property updates.
type Controller struct {
	opts       Options
	mqttClient MQTT.Client
	ditto      *ditto.Client
	dispatcher *Dispatcher
	kernel     *kernel.Kernel
	unsub      []func()
}

// New connects to the broker described by opts and wires a Dispatcher over
// k to inbound commands, publishing k's progress/complete/error events back
// as feature-property updates.
func New(opts Options, k *kernel.Kernel) (*Controller, error) {
	opts.withDefaults()

	tlsConfig, err := buildTLSConfig(opts.Broker)
	if err != nil {
		return nil, err
	}

	mqttOpts := MQTT.NewClientOptions().
		AddBroker(opts.Broker.Broker).
		SetClientID(uuid.New().String()).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true)
	if tlsConfig != nil {
		mqttOpts = mqttOpts.SetTLSConfig(tlsConfig)
	}
	if opts.Broker.Username != "" {
		mqttOpts = mqttOpts.SetUsername(opts.Broker.Username).SetPassword(opts.Broker.Password)
	}

	mqttClient := MQTT.NewClient(mqttOpts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	c := &Controller{
		opts:       opts,
		mqttClient: mqttClient,
		dispatcher: NewDispatcher(k),
		kernel:     k,
	}

	dittoConfig := ditto.NewConfiguration()
	dittoClient, err := ditto.NewClientMqtt(mqttClient, dittoConfig)
	if err != nil {
		mqttClient.Disconnect(200)
		return nil, err
	}
	if err := dittoClient.Connect(); err != nil {
		mqttClient.Disconnect(200)
		return nil, err
	}
	c.ditto = dittoClient

	dittoClient.Subscribe(c.messageHandler)
	c.subscribeProgress()

	return c, nil
}

func (c *Controller) messageHandler(_ string, msg *protocol.Envelope) {
	if msg.Path != fmt.Sprintf("/features/%s/inbox/messages/command", c.opts.FeatureID) {
		return
	}
	raw, err := json.Marshal(msg.Value)
	if err != nil {
		return
	}
	c.dispatcher.HandlePayload(raw)
}

func (c *Controller) subscribeProgress() {
	c.unsub = append(c.unsub, c.kernel.On("progress", func(args ...any) {
		if len(args) == 0 {
			return
		}
		c.reportProperty("progress", args[0])
	}))
	c.unsub = append(c.unsub, c.kernel.On("complete", func(args ...any) {
		if len(args) < 2 {
			return
		}
		c.reportProperty("lastResult", map[string]any{"batchId": args[0], "result": args[1]})
	}))
	c.unsub = append(c.unsub, c.kernel.On("error", func(args ...any) {
		if len(args) < 2 {
			return
		}
		c.reportProperty("lastError", fmt.Sprintf("%v", args[1]))
	}))
}

func (c *Controller) reportProperty(name string, value any) {
	cmd := things.NewCommand(model.NewNamespacedIDFrom(c.opts.DeviceID)).
		Twin().
		FeatureProperty(c.opts.FeatureID, name).
		Modify(value)
	envelope := cmd.Envelope(protocol.WithResponseRequired(false))
	c.ditto.Send(envelope)
}

// Close disconnects from the broker and stops forwarding kernel events.
func (c *Controller) Close() {
	for _, off := range c.unsub {
		off()
	}
	if c.ditto != nil {
		c.ditto.Disconnect()
	}
	c.mqttClient.Disconnect(200)
}

func buildTLSConfig(cfg BrokerConfig) (*tls.Config, error) {
	if cfg.Cert == "" {
		return nil, nil
	}
	keyPair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("error reading x509 key pair files(%q, %q) - %w", cfg.Cert, cfg.Key, err)
	}

	var caCertPool *x509.CertPool
	if cfg.CaCert != "" {
		caCert, err := os.ReadFile(cfg.CaCert)
		if err != nil {
			return nil, fmt.Errorf("error reading CA certificate file %q - %w", cfg.CaCert, err)
		}
		caCertPool = x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("cannot append CA certificate loaded from %q to pool", cfg.CaCert)
		}
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{keyPair},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}
