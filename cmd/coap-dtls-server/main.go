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

// Package main runs a DTLS/UDP demultiplexing gateway fronting an HTTP
// backend over CoAP, wiring github.com/pion/dtls/v2 for the handshake,
// the coapserver bridge for CoAP<->HTTP translation, and the gateway
// package for session management.
package main

import (
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"

	"github.com/coap-dtls/gateway/coapserver"
	"github.com/coap-dtls/gateway/gateway"
	"github.com/coap-dtls/gateway/internal/dtlsprovider/pionadapter"
)

var (
	bindAddr       = flag.String("bind-addr", ":5684", "The DTLS UDP listening address for the server")
	localAddr      = flag.String("local", "", "The HTTP server to forward decrypted CoAP requests to, e.g. http://localhost:8008")
	pskIdentity    = flag.String("psk-identity", "", "Enable PSK mode and accept client hints matching this identity")
	pskKeyHex      = flag.String("psk-key-hex", "", "The hex-encoded pre-shared key to use in PSK mode")
	certFile       = flag.String("tls-cert", "", "The PEM formatted X509 certificate to use (certificate mode)")
	keyFile        = flag.String("tls-key", "", "The PEM private key to use (certificate mode)")
	sessionTimeout = flag.Duration("session-timeout", time.Hour, "How long an idle session without a Connection ID may go without a received record before it is reaped")
	maxHandshakes  = flag.Int64("max-handshakes", 1000, "The maximum number of DTLS handshakes that may be in progress at once")
)

func main() {
	flag.Parse()

	if *localAddr == "" {
		logrus.Fatal("must specify -local")
	}

	dtlsConfig, err := buildDTLSConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to build DTLS configuration")
	}

	backend, err := newReverseProxy(*localAddr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure HTTP backend")
	}

	gw := gateway.New(
		&pionadapter.ServerProtocol{Config: dtlsConfig},
		coapserver.NewBridge(backend),
		gateway.WithSessionTimeout(*sessionTimeout),
		gateway.WithMaxSimultaneousHandshakes(*maxHandshakes),
		gateway.WithLogger(logrus.StandardLogger()),
	)

	if err := gw.Bind(*bindAddr); err != nil {
		logrus.WithError(err).Fatalf("failed to bind %s", *bindAddr)
	}
	logrus.WithField("addr", *bindAddr).Info("coap-dtls-server listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")
	if err := gw.Unbind(); err != nil {
		logrus.WithError(err).Error("error during shutdown")
	}
}

func buildDTLSConfig() (*piondtls.Config, error) {
	if *pskIdentity != "" {
		key, err := hex.DecodeString(*pskKeyHex)
		if err != nil {
			return nil, err
		}
		return &piondtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				if string(hint) != *pskIdentity {
					return nil, fmt.Errorf("unknown PSK identity %q", hint)
				}
				return key, nil
			},
			PSKIdentityHint: []byte(*pskIdentity),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		}, nil
	}

	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return nil, err
	}
	return &piondtls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            piondtls.NoClientCert,
		ConnectionIDGenerator: piondtls.RandomCIDGenerator(8),
	}, nil
}

func newReverseProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}
