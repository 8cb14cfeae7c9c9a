package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// DefaultRealm is the routing domain tether agents join.
const DefaultRealm = "tether"

// Server implements a WAMP router over websockets through which connected
// agents exchange frames. It holds no keys: it only forwards what it is given.
type Server struct {
	address    string
	router     router.Router
	httpServer *http.Server
	listener   net.Listener
	tls        bool
	logger     *logrus.Entry

	shutdownOnce sync.Once
}

// NewServer binds a Server to address. When certFile and keyFile are set, the
// websocket is served over TLS.
func NewServer(address string,
	realm string,
	certFile string,
	keyFile string,
	logger *logrus.Entry) (*Server, error) {

	if realm == "" {
		realm = DefaultRealm
	}

	// Create router instance.
	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	httpServer := &http.Server{
		Handler: wss,
		Addr:    address,
	}

	useTLS := certFile != "" && keyFile != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			nxr.Close()
			return nil, fmt.Errorf("error loading X509 key pair: %s", err)
		}
		httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		nxr.Close()
		return nil, err
	}

	res := &Server{
		address:    l.Addr().String(),
		router:     nxr,
		httpServer: httpServer,
		listener:   l,
		tls:        useTLS,
		logger:     logger,
	}

	return res, nil
}

// Run serves the websocket until Shutdown.
func (s *Server) Run() error {
	var err error
	if s.tls {
		// The certificates are already loaded in the TLSConfig of the server
		err = s.httpServer.ServeTLS(s.listener, "", "")
	} else {
		err = s.httpServer.Serve(s.listener)
	}
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Run")
		return err
	}
	return nil
}

// Shutdown stops the websocket server, and the wamp router
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		defer s.router.Close()

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.WithError(err).Error("Shutting down http server")
		}
	})
}

// Addr returns the address of the server
func (s *Server) Addr() string {
	return s.address
}

// URL returns the websocket URL clients connect to.
func (s *Server) URL() string {
	if s.tls {
		return "wss://" + s.address
	}
	return "ws://" + s.address
}
