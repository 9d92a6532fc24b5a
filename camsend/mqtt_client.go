/*
 * Copyright (c) 2021 IBM Corp and others.
 *
 * All rights reserved. This program and the accompanying materials
 * are made available under the terms of the Eclipse Public License v2.0
 * and Eclipse Distribution License v1.0 which accompany this distribution.
 *
 * The Eclipse Public License is available at
 *    https://www.eclipse.org/legal/epl-2.0/
 * and the Eclipse Distribution License is available at
 *   http://www.eclipse.org/org/documents/edl-v10.php.
 *
 * Contributors:
 *    Seth Hoenig
 *    Allan Stockdill-Mander
 *    Mike Robertson
 */

package camsend

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const maxReconnectInterval = 30 * time.Second

// MessageHandler receives control messages on the Supervisor goroutine. It
// must not block.
type MessageHandler func(ControlMessage)

// ClientFactory builds the MQTT client; mqtt.NewClient in production.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// ControlChannel keeps a persistent session to the broker. Inbound messages
// are buffered by the client callback and dispatched only from PollIncoming,
// so the handler always runs on the caller's goroutine.
type ControlChannel struct {
	cfg     MQTTConfig
	client  mqtt.Client
	inbox   chan ControlMessage
	handler MessageHandler
	log     *zap.Logger

	mu    sync.Mutex
	topic string

	dropped atomic.Uint64
}

func NewControlChannel(c MQTTConfig, factory ClientFactory, logger *zap.Logger) *ControlChannel {
	if factory == nil {
		factory = mqtt.NewClient
	}
	size := c.InboxSize
	if size < 1 {
		size = 16
	}
	ch := &ControlChannel{
		cfg:   c,
		inbox: make(chan ControlMessage, size),
		log:   orNop(logger).Named("control"),
	}
	ch.client = factory(NewMQTTClientOptions(c, ch))
	return ch
}

// NewMQTTClientOptions builds the session options: fixed client identity,
// keep-alive, auto-reconnect, and ch as the sink for every inbound message.
func NewMQTTClientOptions(c MQTTConfig, ch *ControlChannel) *mqtt.ClientOptions {
	broker := c.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
	}
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(c.ClientID)
	if c.User != "" {
		opts.SetUsername(c.User)
		opts.SetPassword(c.Password)
	}
	opts.SetKeepAlive(c.KeepAlive)
	opts.SetPingTimeout(c.ConnectTimeout)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetCleanSession(c.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	if ch != nil {
		opts.SetDefaultPublishHandler(ch.enqueue)
		opts.SetOnConnectHandler(ch.onConnect)
		opts.SetConnectionLostHandler(ch.onConnectionLost)
	}
	return opts
}

// SetHandler registers the message handler used by PollIncoming.
func (c *ControlChannel) SetHandler(fn MessageHandler) { c.handler = fn }

// Connect opens the session, bounded by ConnectTimeout.
func (c *ControlChannel) Connect() error {
	c.log.Info("connecting to mqtt broker", zap.String("broker", c.cfg.Broker), zap.String("client_id", c.cfg.ClientID))
	if err := c.wait(c.client.Connect()); err != nil {
		return &ChannelError{Op: "connect", Err: err}
	}
	c.log.Info("mqtt connected")
	return nil
}

// Subscribe subscribes the single control topic.
func (c *ControlChannel) Subscribe(topic string) error {
	if err := c.wait(c.client.Subscribe(topic, c.cfg.QoS, c.enqueue)); err != nil {
		return &ChannelError{Op: "subscribe", Err: err}
	}
	c.mu.Lock()
	c.topic = topic
	c.mu.Unlock()
	c.log.Info("subscribed", zap.String("topic", topic), zap.Uint8("qos", c.cfg.QoS))
	return nil
}

func (c *ControlChannel) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return ErrChannelTimeout
	}
	return token.Error()
}

func (c *ControlChannel) subscribedTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// PollIncoming dispatches the messages buffered so far and returns how many
// reached the handler. It never blocks; messages arriving during the drain
// wait for the next poll. Messages for other topics are discarded.
func (c *ControlChannel) PollIncoming() int {
	topic := c.subscribedTopic()
	dispatched := 0
	for n := len(c.inbox); n > 0; n-- {
		var msg ControlMessage
		select {
		case msg = <-c.inbox:
		default:
			return dispatched
		}
		if msg.Topic != topic {
			c.log.Debug("ignoring message", zap.String("topic", msg.Topic))
			continue
		}
		if c.handler != nil {
			c.handler(msg)
			dispatched++
		}
	}
	return dispatched
}

// Dropped returns how many messages were discarded because the inbox was full.
func (c *ControlChannel) Dropped() uint64 { return c.dropped.Load() }

// Disconnect closes the session with a short grace period.
func (c *ControlChannel) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.log.Info("mqtt disconnected")
	}
}

// enqueue runs on the client's goroutine.
func (c *ControlChannel) enqueue(_ mqtt.Client, m mqtt.Message) {
	msg := ControlMessage{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
	select {
	case c.inbox <- msg:
	default:
		c.dropped.Add(1)
		c.log.Warn("control inbox full, dropping message", zap.String("topic", msg.Topic))
	}
}

func (c *ControlChannel) onConnect(client mqtt.Client) {
	topic := c.subscribedTopic()
	if topic == "" {
		return
	}
	// session may have been lost on the broker side
	c.log.Info("mqtt reconnected, re-subscribing", zap.String("topic", topic))
	client.Subscribe(topic, c.cfg.QoS, c.enqueue)
}

func (c *ControlChannel) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("mqtt connection lost, will auto-reconnect",
		zap.Error(err),
		zap.Duration("max_retry_interval", maxReconnectInterval))
}
