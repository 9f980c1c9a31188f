package tincanphone

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/garynull/tincanphone/internal/audiodev"
	"github.com/garynull/tincanphone/internal/codec"
	"github.com/garynull/tincanphone/internal/jitter"
	"github.com/garynull/tincanphone/internal/router"
)

// Audio parameters: mono, 48kHz, 16-bit PCM, 20ms frames.
const (
	SampleRate    = 48000
	PacketSamples = 960
	TickInterval  = 20 * time.Millisecond
)

// Protocol timing.
const (
	RingPacketInterval = 500 * time.Millisecond
	RingTimeout        = 2 * RingPacketInterval
	DisconnectTimeout  = 5 * time.Second
)

// Jitter buffer thresholds.
const (
	BufferedPacketsMin = 2
	BufferedPacketsMax = 5
)

// UpnpDiscoveryTimeout bounds the one-shot IGD discovery at startup.
const UpnpDiscoveryTimeout = 8 * time.Second

// netSocket is the UDP transport the engine drives. Satisfied by *socket;
// swapped for a fake in tests so the state machine can be exercised
// without a real network.
type netSocket interface {
	Port() int
	Recv() (from *net.UDPAddr, data []byte, ok bool, err error)
	Send(data []byte, addr *net.UDPAddr) error
	Close() error
}

// audioStream is the duplex PCM device the engine drives while a call
// needs sound. Satisfied by *audiodev.Stream.
type audioStream interface {
	AvailableToRead() (int, error)
	ReadExact() ([]int16, error)
	WriteExact(pcm []int16) error
	Close() error
	InputDeviceName() string
	OutputDeviceName() string
}

// encoder/decoder narrow *codec.Encoder/*codec.Decoder to what the engine
// calls, so tests can substitute a codec that doesn't touch libopus.
type encoder interface {
	Encode(pcm []int16, scratch []byte) ([]byte, error)
}

type decoder interface {
	Decode(data []byte, pcm []int16) error
}

// gateway is the NAT/IGD helper. Satisfied by *router.Router.
type gateway interface {
	WANAddress() string
	AddPortMapping(localPort, wanPort uint16, proto router.Proto, descript string) (bool, error)
	ClearPortMapping() error
}

// Engine is the call engine: a single-threaded event loop that owns the
// UDP socket, the codec, the audio stream, the jitter buffer and the
// authoritative call state. Exactly one goroutine calls Run; everything
// else reaches it only through the Mailbox.
type Engine struct {
	mailbox *Mailbox

	// Factories for engine-owned resources. Set to real implementations
	// by NewEngine; tests overwrite them to inject fakes.
	bindSocket func() (netSocket, error)
	discoverGW func(ctx context.Context, timeout time.Duration) (gateway, error)
	openAudio  func(input, output bool) (audioStream, error)
	newEncoder func() (encoder, error)
	newDecoder func() (decoder, error)
	initAudio  func() error
	termAudio  func() error

	sock   netSocket
	gw     gateway
	tones  *tones
	stream audioStream

	enc encoder
	dec decoder
	jit *jitter.Buffer

	state State
	peer  PeerAddr

	sendSeq           uint32
	missedPackets     int
	increaseBuffering bool

	ringToneElapsed time.Duration
	ringPacketTimer time.Duration
	disconnectTimer time.Duration

	pendingLog strings.Builder
}

// NewEngine creates an engine bound to mailbox, wired to the real socket,
// audio device, codec and NAT-mapping implementations. Call Run in its
// own goroutine; it returns only once the call state reaches Exited or
// Exception.
func NewEngine(mailbox *Mailbox) *Engine {
	return &Engine{
		mailbox: mailbox,
		state:   StateStarting,
		bindSocket: func() (netSocket, error) {
			return bindSocket()
		},
		discoverGW: func(ctx context.Context, timeout time.Duration) (gateway, error) {
			return router.Discover(ctx, timeout)
		},
		openAudio: func(input, output bool) (audioStream, error) {
			return audiodev.Open(input, output)
		},
		newEncoder: func() (encoder, error) { return codec.NewEncoder() },
		newDecoder: func() (decoder, error) { return codec.NewDecoder() },
		initAudio:  audiodev.Init,
		termAudio:  audiodev.Terminate,
	}
}

// Run is the engine's entire lifetime: startup, the main loop, and
// cleanup. Any panic surfacing from a library call is converted into a
// published Exception rather than crashing the process, matching the
// top-level catch around the original event loop.
func (e *Engine) Run() {
	defer func() {
		if r := recover(); r != nil {
			e.cleanup()
			e.mailbox.publishException(fmt.Sprintf("%v", r))
		}
	}()

	if err := e.startup(); err != nil {
		e.cleanup()
		e.mailbox.publishException(err.Error())
		return
	}

	for {
		exit, err := e.tick()
		if err != nil {
			e.cleanup()
			e.mailbox.publishException(err.Error())
			return
		}
		if exit {
			e.cleanup()
			e.mailbox.publishExited()
			return
		}
	}
}

func (e *Engine) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.pendingLog.WriteString(msg)
	e.pendingLog.WriteByte('\n')
	log.Print(msg)
}

// startup synthesizes tones, binds the socket, and asks the LAN gateway
// to forward our port. A router failure is logged and tolerated; a socket
// bind failure or tone/init failure is fatal.
func (e *Engine) startup() error {
	e.log("Starting up, please wait...")
	e.mailbox.sync(e.flushLog(), StateStarting)
	// The mailbox already holds StateStarting, so sync does not wake the
	// UI; wake it here so the banner is shown before startup work begins.
	e.mailbox.mu.Lock()
	h := e.mailbox.updateHandler
	e.mailbox.mu.Unlock()
	if h != nil {
		h.SendUpdate()
	}

	e.tones = newTones()

	if err := e.initAudio(); err != nil {
		return err
	}

	sock, err := e.bindSocket()
	if err != nil {
		return err
	}
	e.sock = sock

	wanAddr, mappedPort, err := e.setUpPortMapping(sock.Port())
	if err != nil {
		e.log("Could not set up router: %v. You may need to forward UDP port %d manually.", err, sock.Port())
	} else if mappedPort != PortDefault {
		e.log("Ready! Your IP address is: %s:%d", wanAddr, mappedPort)
	} else {
		e.log("Ready! Your IP address is: %s", wanAddr)
	}

	e.jit = jitter.New(1)
	e.setState(StateHungup)
	return nil
}

// setUpPortMapping discovers a gateway and maps localPort to a wanPort
// starting at PortDefault, incrementing on conflict up to PortMax.
func (e *Engine) setUpPortMapping(localPort int) (wanAddr string, wanPort int, err error) {
	gw, err := e.discoverGW(context.Background(), UpnpDiscoveryTimeout)
	if err != nil {
		return "", 0, err
	}
	e.gw = gw

	for port := PortDefault; port <= PortMax; port++ {
		ok, err := gw.AddPortMapping(uint16(localPort), uint16(port), router.ProtoUDP, "tincanphone")
		if err != nil {
			return "", 0, err
		}
		if ok {
			return gw.WANAddress(), port, nil
		}
	}
	return "", 0, fmt.Errorf("no free WAN port in [%d, %d]", PortDefault, PortMax)
}

func (e *Engine) flushLog() string {
	s := e.pendingLog.String()
	e.pendingLog.Reset()
	return s
}

func (e *Engine) setState(s State) { e.state = s }

// tick runs one ~20ms iteration: mailbox sync, command dispatch, inbound
// drain, and state-dependent work. Returns exit=true once the loop should
// stop (Command::Exit observed and handled).
func (e *Engine) tick() (exit bool, err error) {
	cmd, addr := e.mailbox.sync(e.flushLog(), e.state)

	if exit, err = e.dispatchCommand(cmd, addr); exit || err != nil {
		return exit, err
	}

	if err := e.drainInbound(); err != nil {
		return false, err
	}

	return false, e.stateWork()
}

// dispatchCommand applies a command taken from the mailbox against the
// current state, per the state machine summary.
func (e *Engine) dispatchCommand(cmd Command, addr string) (exit bool, err error) {
	switch cmd {
	case CmdNone:
		return false, nil

	case CmdExit:
		if e.state == StateLive {
			e.hangup()
		}
		return true, nil

	case CmdCall:
		peer, perr := parseCallAddress(addr)
		if perr != nil {
			e.log("Invalid IP address")
			return false, nil
		}
		return false, e.startCall(peer)

	case CmdAnswer:
		if e.state == StateRinging {
			return false, e.goLive()
		}
		return false, nil

	case CmdHangup:
		if e.state == StateDialing || e.state == StateLive {
			e.hangup()
		}
		return false, nil
	}
	return false, nil
}

// startCall begins dialing peer, whether from Hungup (fresh call) or
// Ringing (CMD_CALL received while already being rung — the incoming
// caller is silently abandoned, per the original's behavior). Ignored
// outside those two states: a Call received mid-Dialing must not
// abandon the in-flight dial, and Live already has a peer.
func (e *Engine) startCall(peer PeerAddr) error {
	if e.state != StateHungup && e.state != StateRinging {
		return nil
	}
	if e.state == StateRinging {
		e.closeAudio()
	}
	e.peer = peer
	e.ringPacketTimer = RingTimeout // send the first RING immediately
	e.ringToneElapsed = 0
	if err := e.openAudioStream(false, true); err != nil {
		return err
	}
	e.setState(StateDialing)
	return nil
}

// drainInbound repeatedly pulls pending datagrams until none remain,
// mirroring a recvfrom loop that stops at EWOULDBLOCK. ECONNRESET/
// ECONNABORTED end the current call but not the engine; any other recv
// error means the socket's read loop has given up for good and is fatal.
func (e *Engine) drainInbound() error {
	for {
		from, raw, ok, err := e.sock.Recv()
		if err != nil {
			if errors.Is(err, ErrConnReset) {
				e.log("Connection reset")
				e.hangup()
				continue
			}
			return err
		}
		if !ok {
			return nil
		}
		e.handlePacket(from, raw)
	}
}

// handlePacket classifies one inbound datagram per the protocol table and
// drives the resulting transition.
func (e *Engine) handlePacket(from *net.UDPAddr, raw []byte) {
	pkt, ok := decodePacket(raw)
	if !ok {
		return
	}
	fromPeer := peerFromUDPAddr(from)
	isPeer := e.peer.IsValid() && e.peer.Equal(fromPeer)

	switch pkt.Header {
	case HeaderRing:
		switch {
		case e.state == StateHungup:
			e.peer = fromPeer
			if err := e.openAudioStream(false, true); err != nil {
				e.log("%v", err)
				return
			}
			e.ringPacketTimer = 0
			e.ringToneElapsed = 0
			e.setState(StateRinging)
		case e.state == StateRinging && isPeer:
			e.ringPacketTimer = 0
		case e.state == StateDialing && isPeer:
			if err := e.goLive(); err != nil {
				e.log("%v", err)
			}
		case !isPeer:
			e.sendControl(HeaderBusy, from)
		}

	case HeaderBusy:
		if e.state == StateDialing && isPeer {
			e.log("%s is busy", e.peer)
			e.hangup()
		}

	case HeaderAudio:
		if !isPeer || e.state == StateHungup {
			e.sendControl(HeaderHangup, from)
			return
		}
		if e.state == StateDialing {
			if err := e.goLive(); err != nil {
				e.log("%v", err)
				return
			}
		}
		if e.state == StateLive {
			e.jit.Push(pkt.Seq, pkt.Payload)
		}

	case HeaderHangup:
		if e.state != StateHungup && isPeer {
			e.log("%s hung up", e.peer)
			e.hangup()
		}
	}
}

func (e *Engine) sendControl(h Header, to *net.UDPAddr) {
	if err := e.sock.Send(encodeControl(h), to); err != nil {
		e.log("%v", err)
	}
}

// stateWork performs the per-tick work for the current state: ringing
// (tone + timers), live (send/receive audio), or an idle 20ms sleep.
func (e *Engine) stateWork() error {
	switch e.state {
	case StateDialing, StateRinging:
		return e.ringWork()
	case StateLive:
		return e.liveWork()
	default:
		time.Sleep(TickInterval)
		return nil
	}
}

func (e *Engine) ringWork() error {
	e.ringToneElapsed += TickInterval
	frame := e.tones.ringtoneFrame(e.state == StateRinging, uint(e.ringToneElapsed.Milliseconds()))
	if err := e.writePCM(frame); err != nil {
		return err
	}

	e.ringPacketTimer += TickInterval

	if e.state == StateDialing {
		if e.ringPacketTimer >= RingPacketInterval {
			e.ringPacketTimer = 0
			e.sendControl(HeaderRing, e.peer.UDPAddr())
		}
		return nil
	}

	// Ringing: no RING seen for RingTimeout means the caller gave up.
	if e.ringPacketTimer >= RingTimeout {
		e.log("Missed call from %s", e.peer)
		e.closeAudio()
		e.setState(StateHungup)
	}
	return nil
}

// goLive transitions into the live call state: opens duplex audio,
// creates the codec pair, and resets the jitter buffer and send sequence.
func (e *Engine) goLive() error {
	e.closeAudio()
	if err := e.openAudioStream(true, true); err != nil {
		return err
	}

	enc, err := e.newEncoder()
	if err != nil {
		return err
	}
	dec, err := e.newDecoder()
	if err != nil {
		return err
	}
	e.enc, e.dec = enc, dec

	if name := e.stream.InputDeviceName(); name != "" {
		e.log("Sound in: %s", name)
	}
	if name := e.stream.OutputDeviceName(); name != "" {
		e.log("Sound out: %s", name)
	}

	e.sendSeq = 1
	e.jit.Reset(1)
	e.missedPackets = 0
	e.increaseBuffering = true
	e.disconnectTimer = 0

	e.setState(StateLive)
	return nil
}

// hangup ends the current call and returns to Hungup, releasing the
// codecs and audio stream and clearing the jitter buffer. No HANGUP
// datagram is sent from here; callers that need to notify the peer send
// it themselves before calling hangup (CmdHangup does not — the original
// relies on the disconnect timer, per its recv-side HANGUP handling).
func (e *Engine) hangup() {
	e.closeAudio()
	e.enc = nil
	e.dec = nil
	e.jit.Reset(1)
	e.peer = PeerAddr{}
	e.setState(StateHungup)
}

func (e *Engine) openAudioStream(input, output bool) error {
	s, err := e.openAudio(input, output)
	if err != nil {
		return err
	}
	e.stream = s
	return nil
}

func (e *Engine) closeAudio() {
	if e.stream == nil {
		return
	}
	e.stream.Close()
	e.stream = nil
}

func (e *Engine) writePCM(pcm []int16) error {
	if err := e.stream.WriteExact(pcm); err != nil {
		if audiodev.IsOutputUnderflow(err) {
			e.log("Output underflow")
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) writeSilence() error { return e.writePCM(e.tones.silence[:]) }

// liveWork drives one tick of the live call: drain the microphone to the
// wire, then play one frame from the jitter buffer.
func (e *Engine) liveWork() error {
	if err := e.sendCapturedAudio(); err != nil {
		return err
	}
	return e.playLiveFrame()
}

// sendCapturedAudio reads and sends every full frame currently available
// from the capture device, per the send path in the component design.
func (e *Engine) sendCapturedAudio() error {
	scratch := make([]byte, codec.MaxEncodedBytes)
	for {
		avail, err := e.stream.AvailableToRead()
		if err != nil {
			return err
		}
		if avail < PacketSamples {
			return nil
		}

		pcm, err := e.stream.ReadExact()
		if err != nil {
			return err
		}

		encoded, err := e.enc.Encode(pcm, scratch)
		if err != nil {
			return err
		}

		pkt := encodeAudio(e.sendSeq, encoded)
		if err := e.sock.Send(pkt, e.peer.UDPAddr()); err != nil {
			e.log("%v", err)
		}
		e.sendSeq++
	}
}

// playLiveFrame implements the play path of §4.6: prebuffering mode when
// increaseBuffering is set, otherwise decode-and-advance with catch-up
// when the buffer has grown past BufferedPacketsMax.
func (e *Engine) playLiveFrame() error {
	if e.increaseBuffering && e.jit.Len() < BufferedPacketsMax {
		if e.jit.Len() == 1 && e.jit.Front().Size == 0 {
			e.disconnectTimer += TickInterval
			if e.disconnectTimer >= DisconnectTimeout {
				e.log("Call disconnected!")
				e.hangup()
				return nil
			}
		} else {
			e.increaseBuffering = false
			e.log("Buffering increased")
		}
		return e.writeSilence()
	}
	return e.decodeAndPlay()
}

func (e *Engine) decodeAndPlay() error {
	pcm, err := e.decodeFrontAndPop()
	if err != nil {
		return err
	}

	if e.jit.Len() >= BufferedPacketsMax {
		e.log("Reducing buffering")
		return e.decodeAndPlay()
	}

	return e.writePCM(pcm)
}

// decodeFrontAndPop decodes the jitter buffer's front slot (concealing a
// hole or a corrupt payload), updates missed-packet/disconnect bookkeeping,
// and advances the buffer.
func (e *Engine) decodeFrontAndPop() ([]int16, error) {
	pcm := make([]int16, PacketSamples)
	front := e.jit.Front()

	if front.Size > 0 {
		if err := e.dec.Decode(front.Data, pcm); err != nil {
			if !errors.Is(err, codec.ErrInvalidPacket) {
				return nil, err
			}
			e.log("Corrupt packet %d, concealing", front.Seq)
			if err := e.dec.Decode(nil, pcm); err != nil {
				return nil, err
			}
		} else {
			e.missedPackets = 0
			e.disconnectTimer = 0
		}
	} else {
		e.log("Missing packet %d", front.Seq)
		e.missedPackets++
		if e.jit.Len() < BufferedPacketsMin || (e.missedPackets > 1 && e.jit.Len() < BufferedPacketsMax) {
			e.increaseBuffering = true
		}
		if err := e.dec.Decode(nil, pcm); err != nil {
			return nil, err
		}
	}

	e.jit.Pop()
	return pcm, nil
}

// cleanup releases every engine-owned resource on every exit path, fatal
// or clean, in the same order the original destructor used: stream,
// then decoder, then encoder, then socket, then the router mapping.
func (e *Engine) cleanup() {
	e.closeAudio()
	e.dec = nil
	e.enc = nil
	if e.sock != nil {
		e.sock.Close()
	}
	if e.gw != nil {
		if err := e.gw.ClearPortMapping(); err != nil {
			log.Printf("clearing port mapping: %v", err)
		}
	}
	if err := e.termAudio(); err != nil {
		log.Printf("terminating audio device: %v", err)
	}
}
