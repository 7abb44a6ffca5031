package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/csnover/Retro68/pkg/logflags"
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer
	csum   [2]byte

	packetSize int               // maximum packet size supported by stub
	regsInfo   []gdbRegisterInfo // list of registers

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read
	features            map[string]bool

	log *logrus.Entry
}

const (
	regnamePC = "pc"
	regnameSP = "sp"
	regnameFP = "fp"
)

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ErrRegisterUnavailable is returned by ReadRegisters when the stub does
// not send one of the registers needed to unwind.
var ErrRegisterUnavailable = errors.New("register unavailable")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

// Code returns the error code sent by the stub, empty for an unsupported
// packet.
func (err *GdbProtocolError) Code() string {
	return err.code
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

const qSupported = "$qSupported:xmlRegisters=m68k"

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if err := conn.qSupported(); err != nil {
		return err
	}

	if !conn.features["qXfer:features:read"] {
		conn.regsInfo = defaultRegisters()
		return nil
	}
	if err := conn.readTargetXml(); err != nil {
		if !isProtocolErrorUnsupported(err) {
			return err
		}
		conn.regsInfo = defaultRegisters()
	}
	return nil
}

// qSupported interprets qSupported responses.
func (conn *gdbConn) qSupported() error {
	respBuf, err := conn.exec([]byte(qSupported), "init/qSupported")
	if err != nil {
		return err
	}
	conn.features = make(map[string]bool)
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			conn.features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// gdbTarget is a struct type used to parse target.xml
type gdbTarget struct {
	Architecture string             `xml:"architecture"`
	Includes     []gdbTargetInclude `xml:"include"`
	Features     []gdbTargetFeature `xml:"feature"`
	Registers    []gdbRegisterInfo  `xml:"reg"`
}

type gdbTargetFeature struct {
	Name      string             `xml:"name,attr"`
	Includes  []gdbTargetInclude `xml:"include"`
	Registers []gdbRegisterInfo  `xml:"reg"`
}

type gdbTargetInclude struct {
	Href string `xml:"href,attr"`
}

type gdbRegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Offset  int
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
	Type    string `xml:"type,attr"`
}

// defaultRegisters returns the register layout of the Palm OS emulator,
// used when the stub does not describe its registers.
func defaultRegisters() []gdbRegisterInfo {
	names := []string{
		"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7",
		"a0", "a1", "a2", "a3", "a4", "a5", regnameFP, regnameSP,
		"ps", regnamePC,
	}
	regs := make([]gdbRegisterInfo, len(names))
	for i, name := range names {
		regs[i] = gdbRegisterInfo{Name: name, Bitsize: 32, Offset: 4 * i, Regnum: i}
	}
	return regs
}

// readTargetXml reads target.xml file from stub using qXfer:features:read,
// then parses it requesting any additional files.
// The schema of target.xml is described by:
//
//	https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd
func (conn *gdbConn) readTargetXml() (err error) {
	regs, err := conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	var offset int
	var pcFound, spFound, fpFound bool
	regnum := 0
	for i := range regs {
		if regs[i].Regnum == 0 {
			regs[i].Regnum = regnum
		} else {
			regnum = regs[i].Regnum
		}
		regs[i].Offset = offset
		offset += regs[i].Bitsize / 8
		switch regs[i].Name {
		case regnamePC:
			pcFound = true
		case regnameSP:
			spFound = true
		case regnameFP:
			fpFound = true
		}
		regnum++
	}
	if !pcFound {
		return errors.New("could not find PC register")
	}
	if !spFound {
		return errors.New("could not find SP register")
	}
	if !fpFound {
		return errors.New("could not find FP register")
	}
	conn.regsInfo = regs
	return nil
}

func (conn *gdbConn) readAnnex(annex string) ([]gdbRegisterInfo, error) {
	tgtbuf, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt gdbTarget
	if err := xml.Unmarshal(tgtbuf, &tgt); err != nil {
		return nil, fmt.Errorf("%s: %w", annex, err)
	}

	regs := tgt.Registers
	includes := tgt.Includes
	for _, feat := range tgt.Features {
		regs = append(regs, feat.Registers...)
		includes = append(includes, feat.Includes...)
	}
	for _, incl := range includes {
		more, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		regs = append(regs, more...)
	}
	return regs, nil
}

// qXfer executes a 'qXfer' read with the specified kind (i.e. feature,
// exec-file, etc...) and annex.
func (conn *gdbConn) qXfer(kind, annex string) ([]byte, error) {
	out := []byte{}
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,%x", kind, annex, len(out), conn.packetSize-4))
		buf, err := conn.exec(cmd, "qXfer "+kind)
		if err != nil {
			return nil, err
		}

		out = append(out, buf[1:]...)
		switch buf[0] {
		case 'l':
			return out, nil
		case 'm':
			if len(buf) == 1 {
				return nil, fmt.Errorf("qXfer %s: stub returned no data", kind)
			}
		default:
			return nil, fmt.Errorf("qXfer %s: malformed reply %q", kind, buf)
		}
	}
}

// detach executes a 'D' (detach) command.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		// Already detached
		return nil
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// readRegisters executes a 'g' (read registers) command. The second
// result marks the bytes the stub sent as 'xx'.
func (conn *gdbConn) readRegisters() ([]byte, []bool, error) {
	resp, err := conn.exec([]byte("$g"), "registers read")
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(resp)/2)
	unavailable := make([]bool, len(data))
	for i := 0; i+1 < len(resp); i += 2 {
		if resp[i] == 'x' {
			unavailable[i/2] = true
			continue
		}
		n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed register data at byte %d: %q", i/2, resp[i:i+2])
		}
		data[i/2] = uint8(n)
	}
	return data, unavailable, nil
}

// executes 'm' (read memory) command
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	read := 0
	for read < len(data) {
		conn.outbuf.Reset()

		sz := len(data) - read
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(read), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != 2*sz {
			return fmt.Errorf("short memory read at %#x: got %d bytes, want %d", addr+uint64(read), len(resp)/2, sz)
		}
		if _, err := hex.Decode(data[read:read+sz], resp); err != nil {
			return fmt.Errorf("memory read at %#x: %w", addr+uint64(read), err)
		}
		read += sz
	}
	return nil
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if conn.conn == nil {
		return nil, errors.New("not connected")
	}
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		// skip anything before the start of the packet, stray acks included
		var start byte
		for start != '$' && start != '%' {
			if start, err = conn.rdr.ReadByte(); err != nil {
				return nil, err
			}
		}
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		resp = append([]byte{start}, resp...)

		// read checksum
		if _, err = io.ReadFull(conn.rdr, conn.csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			partial := false
			if idx := bytes.Index(out, []byte{'\n'}); idx >= 0 {
				out = resp[:idx]
				partial = true
			}
			if len(out) > gdbWireMaxLen {
				out = out[:gdbWireMaxLen]
				partial = true
			}
			if !partial {
				conn.log.Debugf("-> %s%s", string(resp), string(conn.csum[:]))
			} else {
				conn.log.Debugf("-> %s...", string(out))
			}
		}

		if resp[0] == '%' {
			// If the first character is a % (instead of $) the stub sent us a
			// notification packet, we never asked for any so it is safe to
			// ignore.
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, conn.csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || isErrorReply(resp) {
		return nil, &GdbProtocolError{context, string(cmd), string(resp)}
	}

	return resp, nil
}

// isErrorReply reports whether resp is an error packet, either Exx or
// the textual E.message form.
func isErrorReply(resp []byte) bool {
	if len(resp) < 2 || resp[0] != 'E' {
		return false
	}
	if resp[1] == '.' {
		return true
	}
	if len(resp) != 3 {
		return false
	}
	_, err := strconv.ParseUint(string(resp[1:]), 16, 8)
	return err == nil
}

// Readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// Sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	for i := 1; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf
		case '*': // runlength encoding marker
			if i+1 >= len(in) || len(buf) == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf
}

// Checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
