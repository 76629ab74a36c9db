// Command spice-charserver is the CLI entrypoint: a urfave/cli app (in the
// shape of the teacher's server/main.go) that wires together the event
// loop, a listener for client connections, a dialed connection to the
// guest-side device, and one chardevice-based bridge (smartcard or vmc)
// per accepted client.
//
// The teacher's main.go terminates a KCP/smux tunnel between a listen
// address and a target address; this entrypoint keeps that "listen ->
// bridge -> target" shape but replaces the tunnel with the character-
// device/channel-dispatch core: bytes from the client connection become
// ChannelClient traffic, bytes from the target connection become
// chardevice.Adapter reads, and the two are bridged through a
// smartcard.Device or vmc.Device rather than smux-multiplexed raw copies.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/spice-gm/spice-server-go/channel"
	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/eventloop"
	"github.com/spice-gm/spice-server-go/internal/config"
	"github.com/spice-gm/spice-server-go/internal/logging"
	"github.com/spice-gm/spice-server-go/internal/snmp"
	"github.com/spice-gm/spice-server-go/pipeitem"
	"github.com/spice-gm/spice-server-go/smartcard"
	"github.com/spice-gm/spice-server-go/transport"
	"github.com/spice-gm/spice-server-go/vmc"
	"github.com/spice-gm/spice-server-go/wsframe"
)

// VERSION is populated via build flags when packaging official binaries,
// exactly as the teacher's server/main.go does.
var VERSION = "SELFBUILD"

// deviceOpcode is this entrypoint's own minimal client wire framing: a
// uint16 opcode, a uint32 length, and a body. Every other opcode goes to
// channel.Client.HandleMessage, which owns the base ChannelClient protocol
// (ack_sync/migrate/migrate_data); deviceOpcode itself carries a raw
// payload destined for the attached chardevice bridge. This framing is
// specific to this command, not a spec-defined wire format.
const deviceOpcode uint16 = 0x7fff

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "spice-charserver"
	app.Usage = "character-device / channel-dispatch bridge server"
	app.Version = VERSION
	app.Flags = append(config.Flags(),
		cli.StringFlag{
			Name:  "target,t",
			Value: "127.0.0.1:5930",
			Usage: "guest-side device address to dial for each accepted client",
		},
		cli.StringFlag{
			Name:  "device",
			Value: "vmc",
			Usage: "device bridge to run per connection: vmc or smartcard",
		},
	)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	target := c.String("target")
	deviceKind := c.String("device")

	logger := logging.New(cfg.LogLevelValue())
	if cfg.LogPath != "" {
		if err := logger.SetOutputFile(cfg.LogPath); err != nil {
			return err
		}
	}

	counters := snmp.NewCounters()
	if snmpLogger := snmp.NewLogger(cfg.SnmpLog, time.Duration(cfg.SnmpPeriod)*time.Second, counters, func(err error) {
		logger.Errorf("snmp: dump failed: %v", err)
	}); snmpLogger != nil {
		if err := snmpLogger.Start(); err != nil {
			return err
		}
	}

	mp, err := transport.ParseMultiPort(cfg.Listen)
	if err != nil {
		return err
	}

	loop := eventloop.New()
	srv := &server{
		loop:       loop,
		log:        logger,
		cfg:        cfg,
		counters:   counters,
		target:     target,
		deviceKind: deviceKind,
	}

	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		addr := fmt.Sprintf("%s:%d", mp.Host, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		logger.Infof("listening on %s, bridging to %s (%s)", addr, target, deviceKind)
		go srv.acceptLoop(ln)
	}

	loop.Run()
	return nil
}

// server holds everything a newly accepted connection needs to build its
// bridge.
type server struct {
	loop       *eventloop.Loop
	log        *logging.Logger
	cfg        config.Config
	counters   *snmp.Counters
	target     string
	deviceKind string
}

func (s *server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.log.Errorf("accept: %v", err)
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection dials the guest target, negotiates the client-facing
// stream (plain or WebSocket-framed), then hands construction of the
// channel/device pair to the event-loop goroutine since everything in
// chardevice and channel is server-thread-only, per spec.md §5.
func (s *server) handleConnection(conn net.Conn) {
	guestConn, err := net.Dial("tcp", s.target)
	if err != nil {
		s.log.Errorf("dial target %s: %v", s.target, err)
		conn.Close()
		return
	}

	guestStream, err := s.wrapGuestStream(guestConn)
	if err != nil {
		s.log.Errorf("wrapping guest connection %s: %v", s.target, err)
		conn.Close()
		guestConn.Close()
		return
	}

	stream, err := s.negotiateStream(conn)
	if err != nil {
		s.log.Errorf("negotiating client stream: %v", err)
		conn.Close()
		guestStream.Close()
		return
	}

	s.counters.IncSessionsTotal()
	s.loop.Post(func() {
		s.bridge(stream, guestStream)
	})
}

// wrapGuestStream applies the guest-side device connection's optional
// obfuscation layers: a pre-shared-key AES-CTR stream (transport.
// NewPSKStream, --psk-passphrase) directly on guestConn, and snappy
// compression (transport.CompStream, --guest-comp) on top of it, so the
// ciphertext the wire actually carries is of the compressed bytes, not the
// other way around. Both are no-ops when their flag is unset, leaving
// guestConn passed through unchanged.
func (s *server) wrapGuestStream(guestConn net.Conn) (io.ReadWriteCloser, error) {
	var rwc io.ReadWriteCloser = guestConn
	if s.cfg.PSKPassphrase != "" {
		enc, err := transport.NewPSKStream(rwc, []byte(s.cfg.PSKPassphrase))
		if err != nil {
			return nil, err
		}
		rwc = enc
	}
	if s.cfg.EnableGuestComp {
		rwc = transport.NewCompStream(rwc)
	}
	return rwc, nil
}

// negotiateStream peeks the first bytes off conn and, if WebSocket support
// is enabled and the peer opens with an RFC6455 handshake, upgrades to a
// wsframe.Conn-backed stream; otherwise the raw connection is used as-is
// (with any bytes already consumed by the peek replayed first).
func (s *server) negotiateStream(conn net.Conn) (channel.Stream, error) {
	if !s.cfg.EnableWebSocket {
		return conn, nil
	}
	peek := make([]byte, 4096)
	n, err := conn.Read(peek)
	if err != nil {
		return nil, err
	}
	req := peek[:n]
	if !wsframe.IsHandshakeRequest(req) {
		return &prefixedConn{Conn: conn, prefix: req}, nil
	}
	ws, err := wsframe.Accept(conn, req)
	if err != nil {
		return nil, err
	}
	return &wsMessageStream{Conn: ws}, nil
}

// prefixedConn replays bytes already consumed by negotiateStream's peek
// before resuming normal reads from Conn.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// wsMessageStream adapts wsframe.Conn's message-oriented ReadMessage/
// WriteMessage pair to the raw io.ReadWriteCloser channel.Stream wants by
// buffering partially-consumed inbound messages.
type wsMessageStream struct {
	*wsframe.Conn
	pending []byte
}

func (w *wsMessageStream) Read(b []byte) (int, error) {
	if len(w.pending) == 0 {
		msg, err := w.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.pending = msg
	}
	n := copy(b, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsMessageStream) Write(b []byte) (int, error) {
	if err := w.Conn.WriteMessage(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// bridge runs on the event-loop goroutine: it builds the ChannelClient,
// the chardevice bridge (smartcard or vmc) over the guest connection, and
// a read pump translating client-sent frames into either base protocol
// calls or device writes.
func (s *server) bridge(stream channel.Stream, guestConn io.ReadWriteCloser) {
	cc := channel.NewClient()
	cc.AckSetClientWindow(uint32(s.cfg.AckWindow))
	ch := channel.New(channel.Type(0), channel.ID(0), s.loop, channel.Capabilities{}, s.log)

	s.counters.IncClientsActive()
	cc.OnDisconnect = func(*channel.Client) {
		guestConn.Close()
		s.counters.DecClientsActive()
	}

	hooks := chardevice.Hooks{
		SendMsgToClient: func(_ chardevice.ClientID, item pipeitem.Item) {
			cc.PipeAdd(item)
		},
		RemoveClient: func(id chardevice.ClientID) {
			if c, ok := id.(*channel.Client); ok {
				c.Disconnect()
			}
		},
	}

	// dev is filled in once the concrete device below is constructed. The
	// adapter's wake callback only ever runs via loop.Post, and bridge
	// itself runs as a single posted closure, so dev is always set by the
	// time any wake fires.
	var dev *chardevice.Device
	adapter := transport.NewConnAdapter(s.loop, guestConn, func() {
		if dev != nil {
			dev.Wakeup()
		}
	})

	var onClientData func([]byte) error
	switch s.deviceKind {
	case "smartcard":
		registry := smartcard.NewRegistry(s.cfg.SmartcardMaxReaders)
		scDev := smartcard.NewDevice(s.loop, s.log, adapter, registry, func() chardevice.ClientID { return cc }, hooks, s.cfg.CharDeviceConfig())
		dev = scDev.Underlying()
		onClientData = func(body []byte) error {
			msgType, readerID, payload, err := decodeSmartcardFrame(body)
			if err != nil {
				return err
			}
			return scDev.HandleClientMessage(cc, msgType, readerID, payload)
		}

	default:
		vmcDev := vmc.NewDevice(s.loop, s.log, adapter, hooks, s.cfg.VmcConfig())
		dev = vmcDev.Underlying()
		onClientData = func(body []byte) error {
			return vmcDev.HandleClientData(cc, body)
		}
	}

	ch.Connect(cc, stream, false, channel.Capabilities{})
	dev.Start()
	if err := dev.ClientAdd(cc, true, 64, 1<<16, 1<<16, false); err != nil {
		s.log.Errorf("ClientAdd: %v", err)
	}

	go s.pumpClientMessages(stream, cc, onClientData)
}

// pumpClientMessages reads deviceOpcode-framed payloads off stream and
// forwards their bodies via onDeviceData; any other opcode goes through
// channel.Client.HandleMessage. Both paths are dispatched onto the event
// loop via Post, since channel.Client and chardevice.Device are
// server-thread-only.
func (s *server) pumpClientMessages(stream channel.Stream, cc *channel.Client, onDeviceData func([]byte) error) {
	var hdr [6]byte
	for {
		if _, err := readFull(stream, hdr[:]); err != nil {
			cc.Disconnect()
			return
		}
		opcode := binary.LittleEndian.Uint16(hdr[0:2])
		length := binary.LittleEndian.Uint32(hdr[2:6])
		body := make([]byte, length)
		if length > 0 {
			if _, err := readFull(stream, body); err != nil {
				cc.Disconnect()
				return
			}
		}

		if opcode == deviceOpcode {
			s.loop.Post(func() {
				if err := onDeviceData(body); err != nil {
					s.log.Warnf("device write rejected: %v", err)
				}
			})
			continue
		}
		ok := make(chan bool, 1)
		s.loop.Post(func() { ok <- cc.HandleMessage(opcode, body) })
		if !<-ok {
			cc.Disconnect()
			return
		}
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// decodeSmartcardFrame parses this command's device-payload body as a
// VSCMsgHeader-shaped (type,reader_id) pair followed by the reader
// payload. Both fields are big-endian as in smartcard.Message's header, but
// there is no length field: the payload is the rest of body.
func decodeSmartcardFrame(body []byte) (smartcard.MsgType, uint32, []byte, error) {
	if len(body) < 8 {
		return 0, 0, nil, fmt.Errorf("spice-charserver: short smartcard frame (%d bytes)", len(body))
	}
	msgType := smartcard.MsgType(binary.BigEndian.Uint32(body[0:4]))
	readerID := binary.BigEndian.Uint32(body[4:8])
	return msgType, readerID, body[8:], nil
}
