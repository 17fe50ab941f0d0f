// Package interactive provides the interactive command-line interface
// for devlink.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
	"github.com/devlink-protocol/devlink-go/pkg/persistence"
)

// Command timeouts.
const (
	DefaultAcceptTimeout = 30 * time.Second
	DefaultIOTimeout     = 5 * time.Second
	defaultRecvSize      = 4096
)

// Session describes an established link.
type Session struct {
	Channel *mux.Channel

	// VerificationKey and Fingerprint are empty for transports without
	// certificates.
	VerificationKey string
	Fingerprint     string
	Transport       string

	// Devices is the known-devices registry; nil disables the devices
	// command.
	Devices *persistence.RegistryStore
}

// Shell executes channel commands against a session.
type Shell struct {
	sess Session
	conn *mux.Conn
	out  io.Writer

	mu      sync.Mutex
	streams map[uuid.UUID]*mux.Stream
}

// New creates a shell writing its output to out.
func New(sess Session, out io.Writer) *Shell {
	return &Shell{
		sess:    sess,
		conn:    sess.Channel.Conn(),
		out:     out,
		streams: make(map[uuid.UUID]*mux.Stream),
	}
}

// Run reads commands with readline until quit, EOF or connection loss.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	go func() {
		select {
		case <-s.conn.Done():
			fmt.Fprintf(rl.Stdout(), "\nConnection closed: %v\n", s.conn.Err())
			rl.Close()
		case <-ctx.Done():
		}
	}()
	go s.printPackets(ctx, rl.Stdout())

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			cancel()
			return nil
		}

		if !s.Execute(ctx, line) {
			cancel()
			return nil
		}
	}
}

// printPackets reports packets the peer sends on the bootstrap channel.
func (s *Shell) printPackets(ctx context.Context, w io.Writer) {
	for {
		p, err := s.sess.Channel.ReadPacket(ctx)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "\n<< packet %s\n", p)
	}
}

// Execute runs one command line and reports whether the shell should keep
// running.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "open", "o":
		s.cmdOpen(ctx, args)
	case "accept", "a":
		s.cmdAccept(ctx, args)
	case "send", "s":
		s.cmdSend(ctx, args)
	case "recv", "r":
		s.cmdRecv(ctx, args)
	case "close", "c":
		s.cmdClose(ctx, args)
	case "channels", "ls":
		s.cmdChannels()
	case "ping":
		s.cmdPing(ctx, args)
	case "verify", "v":
		s.cmdVerify()
	case "status":
		s.cmdStatus()
	case "devices":
		s.cmdDevices()
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
devlink Commands:
  Channels:
    open [id]            - Open a channel (random id if omitted)
    accept <id> [secs]   - Wait for the peer to open a channel
    send <id> <text>     - Write text to a channel
    recv <id> [bytes]    - Read buffered data from a channel
    close <id>           - Close a channel
    channels             - List open channels

  Link:
    ping [message]       - Send a ping packet on the bootstrap channel
    verify               - Show the verification key and peer identity
    status               - Show connection status
    devices              - List devices linked before

  General:
    help                 - Show this help
    quit                 - Exit`)
}

func (s *Shell) stream(arg string) (*mux.Stream, error) {
	id, err := mux.ParseChannelID(arg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("channel %s is not open here (use open or accept)", id)
	}
	return st, nil
}

func (s *Shell) track(st *mux.Stream) {
	s.mu.Lock()
	s.streams[st.ID()] = st
	s.mu.Unlock()
}

func (s *Shell) cmdOpen(ctx context.Context, args []string) {
	id := uuid.New()
	if len(args) > 0 {
		var err error
		if id, err = mux.ParseChannelID(args[0]); err != nil {
			fmt.Fprintf(s.out, "Invalid channel id: %v\n", err)
			return
		}
	}

	st, err := s.conn.OpenChannel(ctx, id)
	if err != nil {
		fmt.Fprintf(s.out, "Open failed: %v\n", err)
		return
	}
	s.track(st)
	fmt.Fprintf(s.out, "Opened channel %s\n", id)
}

func (s *Shell) cmdAccept(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: accept <id> [seconds]")
		return
	}
	id, err := mux.ParseChannelID(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Invalid channel id: %v\n", err)
		return
	}
	timeout := DefaultAcceptTimeout
	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil || secs <= 0 {
			fmt.Fprintf(s.out, "Invalid timeout: %s\n", args[1])
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := s.conn.AcceptChannel(ctx, id)
	if err != nil {
		fmt.Fprintf(s.out, "Accept failed: %v\n", err)
		return
	}
	s.track(st)
	fmt.Fprintf(s.out, "Accepted channel %s\n", id)
}

func (s *Shell) cmdSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: send <id> <text>")
		return
	}
	st, err := s.stream(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultIOTimeout)
	defer cancel()
	data := []byte(strings.Join(args[1:], " ") + "\n")
	n, err := st.WriteContext(ctx, data)
	if err != nil {
		fmt.Fprintf(s.out, "Send failed after %d bytes: %v\n", n, err)
		return
	}
	fmt.Fprintf(s.out, "Sent %d bytes\n", n)
}

func (s *Shell) cmdRecv(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: recv <id> [bytes]")
		return
	}
	st, err := s.stream(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	size := defaultRecvSize
	if len(args) > 1 {
		if size, err = strconv.Atoi(args[1]); err != nil || size <= 0 {
			fmt.Fprintf(s.out, "Invalid size: %s\n", args[1])
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultIOTimeout)
	defer cancel()
	buf := make([]byte, size)
	n, err := st.ReadContext(ctx, buf)
	switch {
	case errors.Is(err, io.EOF):
		fmt.Fprintln(s.out, "Channel closed by peer")
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(s.out, "No data")
	case err != nil:
		fmt.Fprintf(s.out, "Receive failed: %v\n", err)
	default:
		fmt.Fprintf(s.out, "Received %d bytes: %q\n", n, buf[:n])
	}
}

func (s *Shell) cmdClose(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: close <id>")
		return
	}
	id, err := mux.ParseChannelID(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Invalid channel id: %v\n", err)
		return
	}

	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()

	if err := s.conn.CloseChannel(ctx, id); err != nil {
		fmt.Fprintf(s.out, "Close failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Closed channel %s\n", id)
}

func (s *Shell) cmdChannels() {
	ids := s.conn.Channels()
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})

	fmt.Fprintf(s.out, "%d channel(s):\n", len(ids))
	for _, id := range ids {
		s.mu.Lock()
		_, local := s.streams[id]
		s.mu.Unlock()

		note := ""
		switch {
		case id == mux.BootstrapChannel:
			note = " (bootstrap)"
		case !local:
			note = " (peer opened, not accepted)"
		}
		fmt.Fprintf(s.out, "  %s%s\n", id, note)
	}
}

func (s *Shell) cmdPing(ctx context.Context, args []string) {
	p := packet.New("kdeconnect.ping")
	if len(args) > 0 {
		p.Body["message"] = strings.Join(args, " ")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultIOTimeout)
	defer cancel()
	if err := s.sess.Channel.WritePacket(ctx, p); err != nil {
		fmt.Fprintf(s.out, "Ping failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Ping sent")
}

func (s *Shell) cmdVerify() {
	peer := s.sess.Channel.PeerIdentity()
	id, _ := packet.ParseIdentity(peer)

	fmt.Fprintf(s.out, "Peer:             %s (%s)\n", id.DeviceName, id.DeviceID)
	fmt.Fprintf(s.out, "Type:             %s\n", id.DeviceType)
	if s.sess.Fingerprint != "" {
		fmt.Fprintf(s.out, "Fingerprint:      %s\n", s.sess.Fingerprint)
	}
	if s.sess.VerificationKey == "" {
		fmt.Fprintln(s.out, "Verification key: not available on this transport")
		return
	}
	fmt.Fprintf(s.out, "Verification key: %s\n", s.sess.VerificationKey)
}

func (s *Shell) cmdStatus() {
	fmt.Fprintf(s.out, "Connection: %s\n", s.conn.ID())
	if s.sess.Transport != "" {
		fmt.Fprintf(s.out, "Transport:  %s\n", s.sess.Transport)
	}
	fmt.Fprintf(s.out, "State:      %s\n", s.conn.State())
	fmt.Fprintf(s.out, "Version:    %d\n", s.conn.Version())
	fmt.Fprintf(s.out, "Buffer:     %d bytes\n", s.conn.BufferSize())
	fmt.Fprintf(s.out, "Channels:   %d\n", len(s.conn.Channels()))
}

func (s *Shell) cmdDevices() {
	if s.sess.Devices == nil {
		fmt.Fprintln(s.out, "No device registry configured")
		return
	}
	reg, err := s.sess.Devices.Load()
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "%d known device(s):\n", len(reg.Devices))
	for _, d := range reg.Devices {
		fmt.Fprintf(s.out, "  %s  %-20s %-8s last seen %s via %s\n",
			d.DeviceID, d.DeviceName, d.DeviceType,
			d.LastSeenAt.Local().Format(time.DateTime), d.Transport)
	}
}
