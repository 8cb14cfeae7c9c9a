package net

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// NewTCPTransport listens on bindAddr for companion links and dials host
// addresses over TCP. advertise is the address companions learn from pairing
// tokens and discovery; when empty the bound address is used, which must then
// be a concrete IP. timeout bounds dials and every frame write, maxFrameSize
// bounds frames in both directions.
func NewTCPTransport(
	bindAddr string,
	advertise string,
	timeout time.Duration,
	maxFrameSize int,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	if err := checkAdvertise(list, advertise); err != nil {
		list.Close()
		return nil, err
	}

	stream := &TCPStreamLayer{
		advertise: advertise,
		listener:  list.(*net.TCPListener),
	}
	trans := NewNetworkTransport(stream, KindTCP, timeout, maxFrameSize, logger)

	go trans.Listen()

	return trans, nil
}

// checkAdvertise refuses addresses a companion could not dial back.
func checkAdvertise(list net.Listener, advertise string) error {
	addr := list.Addr()
	if advertise != "" {
		resolved, err := net.ResolveTCPAddr("tcp", advertise)
		if err != nil {
			return err
		}
		addr = resolved
	}

	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return errNotTCP
	}
	if tcp.IP.IsUnspecified() {
		return errNotAdvertisable
	}
	return nil
}
