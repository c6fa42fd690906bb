package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OmyDaGreat/malefirc"
	"github.com/OmyDaGreat/malefirc/auth"
	"github.com/OmyDaGreat/malefirc/config"
	"github.com/OmyDaGreat/malefirc/database"
)

// TCP keep-alive interval for client connections
const clientKeepAlive = 1 * time.Hour

const tlsHandshakeTimeout = 30 * time.Second

func main() {
	var debug bool
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// A hostname without a dot can confuse clients
	if !strings.Contains(cfg.ServerName, ".") {
		log.Printf("warning: server name %q is not a fully qualified domain name", cfg.ServerName)
	}

	var motd string
	if cfg.MOTDPath != "" {
		b, err := ioutil.ReadFile(cfg.MOTDPath)
		if err != nil {
			log.Fatalf("failed to load MOTD: %v", err)
		}
		motd = strings.TrimSuffix(string(b), "\n")
	}

	if err := bumpOpenedFileLimit(); err != nil {
		log.Printf("failed to bump max number of opened files: %v", err)
	}

	db, err := database.Open(cfg.DB.Driver, cfg.DB.Source)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	srv := malefirc.NewServer(db)
	srv.SetConfig(&malefirc.Config{
		Hostname:     cfg.ServerName,
		OperName:     cfg.OperName,
		OperPassword: cfg.OperPassword,
		MOTD:         motd,
		Auth:         auth.NewInternal(),
		Debug:        debug,
	})
	srv.Logger = malefirc.NewLogger(log.Writer(), debug)

	lc := net.ListenConfig{
		KeepAlive: clientKeepAlive,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		log.Fatalf("failed to start listener on %q: %v", addr, err)
	}
	ln = proxyProtoListener(ln, cfg)
	log.Printf("listening on %q", addr)
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Printf("serving %q: %v", addr, err)
		}
	}()

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("failed to load TLS certificate and key: %v", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"irc"},
		}

		tlsAddr := fmt.Sprintf(":%d", cfg.TLS.Port)
		tlsLn, err := lc.Listen(context.Background(), "tcp", tlsAddr)
		if err != nil {
			log.Fatalf("failed to start TLS listener on %q: %v", tlsAddr, err)
		}
		tlsLn = proxyProtoListener(tlsLn, cfg)
		log.Printf("listening on %q (TLS)", tlsAddr)
		go serveTLS(srv, tlsLn, tlsCfg)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(srv.MetricsRegistry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("serving metrics on %q: %v", cfg.MetricsAddr, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)
	ln.Close()
}

// serveTLS completes the TLS handshake before the connection enters the
// server: a failed handshake closes the socket and accepting continues.
func serveTLS(srv *malefirc.Server, ln net.Listener, tlsCfg *tls.Config) {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			log.Printf("failed to accept TLS connection: %v", err)
			return
		}

		go func() {
			tlsConn := tls.Server(netConn, tlsCfg)
			ctx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
			defer cancel()
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				log.Printf("TLS handshake failed for %v: %v", netConn.RemoteAddr(), err)
				netConn.Close()
				return
			}
			srv.HandleConn(tlsConn)
		}()
	}
}

func proxyProtoListener(ln net.Listener, cfg *config.Server) net.Listener {
	if len(cfg.AcceptProxyIPs) == 0 {
		return ln
	}
	return &proxyproto.Listener{
		Listener: ln,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			tcpAddr, ok := upstream.(*net.TCPAddr)
			if !ok {
				return proxyproto.IGNORE, nil
			}
			if cfg.AcceptsProxy(tcpAddr.IP) {
				return proxyproto.USE, nil
			}
			return proxyproto.IGNORE, nil
		},
		ReadHeaderTimeout: 5 * time.Second,
	}
}
