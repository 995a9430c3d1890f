package controlplane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/sensors"

	"vss-edge/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// PahoBus is the production Bus over paho.mqtt.golang.
type PahoBus struct {
	client mqtt.Client
}

// NewPahoBus builds the MQTT client from the device network section. With
// mqtt_tls set the broker connection uses the device's mTLS material.
func NewPahoBus(deviceID string, network config.NetworkConfig) (*PahoBus, error) {
	scheme := "tcp"
	opts := mqtt.NewClientOptions()
	if network.MQTTTLS {
		tlsConf, err := busTLSConfig(network.CertPaths)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConf)
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, network.MQTTBroker, network.MQTTPort))
	opts.SetClientID("vss-edge-" + deviceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOrderMatters(false)
	return &PahoBus{client: mqtt.NewClient(opts)}, nil
}

func (b *PahoBus) Connect(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return ctx.Err()
}

func (b *PahoBus) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

func (b *PahoBus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (b *PahoBus) Disconnect() {
	b.client.Disconnect(disconnectQuiesce)
}

func busTLSConfig(paths config.CertPaths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.ClientCert, paths.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(paths.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA certificate %s contains no usable PEM blocks", paths.CACert)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}, nil
}

// FreeDiskProbe reports free percent on the volume holding path.
func FreeDiskProbe(path string) func() float64 {
	return func() float64 {
		stat, err := disk.Usage(path)
		if err != nil {
			return 0
		}
		return 100 - stat.UsedPercent
	}
}

// GPUTempProbe reports the first sensor reading that looks like a GPU
// temperature, or zero when none is exposed.
func GPUTempProbe() func() float64 {
	return func() float64 {
		readings, err := sensors.SensorsTemperatures()
		if err != nil {
			return 0
		}
		for _, r := range readings {
			key := strings.ToLower(r.SensorKey)
			if strings.Contains(key, "gpu") || strings.Contains(key, "video") {
				return r.Temperature
			}
		}
		return 0
	}
}
