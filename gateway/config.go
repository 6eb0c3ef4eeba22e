// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coap-dtls/gateway/internal/dtlsprovider"
)

// DefaultCoAPSPort is the registered CoAP-over-DTLS (CoAPS) UDP port.
const DefaultCoAPSPort = 5684

// Config holds the tunables spec section 6 enumerates. New starts from
// the documented defaults and applies each Option over them; a zero value
// set through an Option is kept as is.
type Config struct {
	// SessionTimeout is the inactivity limit for established sessions
	// that never negotiated a Connection ID. Default: 1 hour.
	SessionTimeout time.Duration
	// SessionTimeoutWithCID is the inactivity limit for established
	// sessions that did negotiate a Connection ID. Default: 1 hour.
	SessionTimeoutWithCID time.Duration
	// MaxSimultaneousHandshakes bounds the number of sessions allowed to
	// be concurrently in the Handshaking state. Default: 1000.
	MaxSimultaneousHandshakes int64
	// NetworkMTU is the outbound MTU budget used to derive per-session
	// send/receive limits. Default: 1500.
	NetworkMTU int
	// ReapInterval is how often the idle reaper scans the session
	// store. Default: 10s. Exposed only so tests can drive the reaper
	// fast; production callers should leave it at the default.
	ReapInterval time.Duration
	// UnbindDrainTimeout bounds how long Unbind waits for in-flight
	// outbound sends to drain before cancelling tasks and closing the
	// socket. Default: 2s.
	UnbindDrainTimeout time.Duration

	Logger logrus.FieldLogger
}

// Option configures a Config, following the functional-options pattern
// the teacher's go-coap dependency (dtls.NewServer(opts...)) uses.
type Option func(*Config)

func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) { c.SessionTimeout = d }
}

func WithSessionTimeoutWithCID(d time.Duration) Option {
	return func(c *Config) { c.SessionTimeoutWithCID = d }
}

func WithMaxSimultaneousHandshakes(n int64) Option {
	return func(c *Config) { c.MaxSimultaneousHandshakes = n }
}

func WithNetworkMTU(mtu int) Option {
	return func(c *Config) { c.NetworkMTU = mtu }
}

func WithReapInterval(d time.Duration) Option {
	return func(c *Config) { c.ReapInterval = d }
}

func WithUnbindDrainTimeout(d time.Duration) Option {
	return func(c *Config) { c.UnbindDrainTimeout = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = l }
}

func defaultConfig() Config {
	return Config{
		SessionTimeout:            time.Hour,
		SessionTimeoutWithCID:     time.Hour,
		MaxSimultaneousHandshakes: 1000,
		NetworkMTU:                1500,
		ReapInterval:              10 * time.Second,
		UnbindDrainTimeout:        2 * time.Second,
		Logger:                    logrus.StandardLogger(),
	}
}

// ServerProtocol re-exports dtlsprovider.ServerProtocol so callers can
// construct a Gateway without importing the internal package directly.
type ServerProtocol = dtlsprovider.ServerProtocol
