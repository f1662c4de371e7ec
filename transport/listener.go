// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rdcourier/fleet/utility/logger"
)

// Listener is used by the server to accept connections
type Listener interface {
	// Accept waits for and returns the next connection to the listener.
	Accept() (net.Conn, error)

	// Init is called on the accepted connection before it is handled
	Init(net.Conn) (net.Conn, error)

	// Close closes the listener.
	// Any blocked Accept operations will be unblocked and return errors.
	Close() error

	Addr() net.Addr
}

type tcpListener struct {
	lsn net.Listener
}

// NewTCPListener creates a Listener attached to the address "service". It is a wrapper over net.Listener
func NewTCPListener(service string) (Listener, error) {
	l, err := net.Listen("tcp", service)
	if err != nil {
		if logger.GetLogger().V(logger.Alert) {
			logger.GetLogger().Log(logger.Alert, "Cannot create listener: ", err.Error())
		}
		return nil, err
	}
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "server: listening on", l.Addr())
	}
	return &tcpListener{lsn: l}, nil
}

// Accept simply calls net.Listener.Accept()
func (lsn *tcpListener) Accept() (net.Conn, error) {
	return lsn.lsn.Accept()
}

// Close closes the listening socket
func (lsn *tcpListener) Close() error {
	return lsn.lsn.Close()
}

func (lsn *tcpListener) Addr() net.Addr {
	return lsn.lsn.Addr()
}

// Called after the connection is accepted and before it is handled. This function can be enhanced to
// handle some type of authentication for example
func (lsn *tcpListener) Init(conn net.Conn) (net.Conn, error) {
	if conn == nil {
		return nil, errors.New("Nil connection")
	}
	if logger.GetLogger().V(logger.Debug) {
		logger.GetLogger().Log(logger.Debug, "accepted", conn.RemoteAddr(), "on", conn.LocalAddr())
	}
	return conn, nil
}

type tlsListener struct {
	tcpListener net.Listener
	tlsListener net.Listener
}

// NewTLSListener creates a listener terminating TLS with the key and certificate chain files. An
// encrypted key is decrypted with the TLS_KEY_PASSWD environment variable.
func NewTLSListener(service string, keyFile string, certChainFile string) (Listener, error) {
	pemData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("pem decode: no key found")
	}
	if passwd := os.Getenv("TLS_KEY_PASSWD"); passwd != "" {
		decBlock, err := x509.DecryptPEMBlock(block, []byte(passwd))
		if err != nil {
			return nil, fmt.Errorf("decrypt key: %w", err)
		}
		block.Bytes = decBlock
	}
	certChain, err := os.ReadFile(certChainFile)
	if err != nil {
		return nil, fmt.Errorf("load certChain: %w", err)
	}
	cert, err := tls.X509KeyPair(certChain, pem.EncodeToMemory(block))
	if err != nil {
		return nil, fmt.Errorf("load cert with key: %w", err)
	}

	lsn := &tlsListener{}
	lsn.tcpListener, err = net.Listen("tcp", service)
	if err != nil {
		if logger.GetLogger().V(logger.Alert) {
			logger.GetLogger().Log(logger.Alert, "Cannot create listener: ", err.Error())
		}
		return nil, err
	}
	lsn.tlsListener = tls.NewListener(lsn.tcpListener, &tls.Config{Certificates: []tls.Certificate{cert}, DynamicRecordSizingDisabled: true})
	if logger.GetLogger().V(logger.Info) {
		logger.GetLogger().Log(logger.Info, "server: listening on", lsn.tcpListener.Addr(), "with tls")
	}
	return lsn, nil
}

func (lsn *tlsListener) Accept() (net.Conn, error) {
	return lsn.tlsListener.Accept()
}

func (lsn *tlsListener) Close() error {
	return lsn.tlsListener.Close()
}

func (lsn *tlsListener) Addr() net.Addr {
	return lsn.tcpListener.Addr()
}

// Init runs the TLS handshake so a failing client is dropped before a session exists
func (lsn *tlsListener) Init(conn net.Conn) (net.Conn, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("not a tls connection")
	}
	if err := tlsConn.Handshake(); err != nil {
		if logger.GetLogger().V(logger.Info) {
			logger.GetLogger().Log(logger.Info, "tls handshake failed from", conn.RemoteAddr(), err.Error())
		}
		return nil, err
	}
	return tlsConn, nil
}
